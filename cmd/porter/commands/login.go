package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"porter/internal/browser"
	"porter/internal/config"
	"porter/internal/logbus"
	"porter/internal/session"
	"porter/internal/store/sqlite"
)

func newLoginCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "login",
		Short: "打开浏览器手工登录并保存会话",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("加载配置: %w", err)
			}

			bus := logbus.New(64)
			defer bus.Close()

			store, err := sqlite.Open(cmd.Context(), cfg.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("打开 sqlite: %w", err)
			}
			defer store.Close()

			driver := browser.NewDriver()
			defer driver.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			log.Info().Str("url", cfg.Shop.BaseURL).Msg("浏览器已打开，请完成登录")
			cookies, err := driver.CaptureLogin(ctx, cfg.Shop.BaseURL+"/login")
			if err != nil {
				return fmt.Errorf("登录捕获: %w", err)
			}

			sess := session.NewManager(cfg.Session, cfg.Shop, store, bus)
			if err := sess.SetCookies(cmd.Context(), cookies); err != nil {
				return fmt.Errorf("保存会话: %w", err)
			}

			log.Info().Int("cookies", len(cookies)).Bool("valid", sess.Valid()).Msg("会话已保存")
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "等待登录完成的时长")
	return cmd
}
