package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"porter/internal/config"
	"porter/internal/health"
	"porter/internal/logbus"
	"porter/internal/pool"
	"porter/internal/session"
	"porter/internal/store/sqlite"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "只跑预检，不执行任务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("加载配置: %w", err)
			}

			bus := logbus.New(64)
			defer bus.Close()

			store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("打开 sqlite: %w", err)
			}
			defer store.Close()

			sess := session.NewManager(cfg.Session, cfg.Shop, store, bus)
			if err := sess.Load(ctx); err != nil && !errors.Is(err, session.ErrNotLoggedIn) {
				return fmt.Errorf("加载会话: %w", err)
			}

			checker := health.NewChecker(cfg, sess, pool.New(cfg.Pool, bus))
			results := checker.RunAll(ctx)
			for _, r := range results {
				evt := log.Info()
				if !r.Passed {
					evt = log.Error()
				}
				evt.Str("check", r.Name).Str("msg", r.Message).Bool("passed", r.Passed).Msg("预检")
			}
			if !health.AllPassed(results) {
				return errors.New("预检未通过")
			}
			log.Info().Msg("全部通过")
			return nil
		},
	}
}
