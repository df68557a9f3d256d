package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"porter/internal/browser"
	"porter/internal/challenge"
	"porter/internal/config"
	"porter/internal/engine"
	"porter/internal/health"
	"porter/internal/httpapi"
	"porter/internal/loader"
	"porter/internal/logbus"
	"porter/internal/notify"
	"porter/internal/pool"
	"porter/internal/provider/sfcc"
	"porter/internal/session"
	"porter/internal/store/sqlite"
)

func newRunCommand() *cobra.Command {
	var (
		tasksPath    string
		profilesPath string
		skipChecks   bool
		manualSolve  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "装载任务并跑到全部终态",
		Long: `从 CSV 装载档案和任务，预检通过后并发执行所有抢购任务。
运行期间本地 API（含 /ws 日志流和人工解挑战接口）一直可用，
全部任务到达终态后打印汇总并退出。`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("加载配置: %w", err)
			}

			bus := logbus.New(256)
			defer bus.Close()

			store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("打开 sqlite: %w", err)
			}
			defer store.Close()

			sess := session.NewManager(cfg.Session, cfg.Shop, store, bus)
			if err := sess.Load(ctx); err != nil {
				if errors.Is(err, session.ErrNotLoggedIn) {
					return errors.New("没有可用会话，先执行 porter login")
				}
				return fmt.Errorf("加载会话: %w", err)
			}

			p := pool.New(cfg.Pool, bus)

			if !skipChecks {
				checker := health.NewChecker(cfg, sess, p)
				results := checker.RunAll(ctx)
				for _, r := range results {
					evt := log.Info()
					if !r.Passed {
						evt = log.Error()
					}
					evt.Str("check", r.Name).Str("msg", r.Message).Bool("passed", r.Passed).Msg("预检")
				}
				if !health.AllPassed(results) {
					return errors.New("预检未通过（--skip-checks 可跳过）")
				}
			}

			profiles, pReport, err := loader.LoadProfiles(profilesPath)
			if err != nil {
				return fmt.Errorf("装载档案: %w", err)
			}
			logReport("档案", pReport)

			tasks, tReport, err := loader.LoadTasks(tasksPath, profiles)
			if err != nil {
				return fmt.Errorf("装载任务: %w", err)
			}
			logReport("任务", tReport)
			if len(tasks) == 0 {
				return errors.New("没有可执行任务")
			}

			broker := challenge.NewBroker(cfg.Challenge.Timeout())
			if !manualSolve {
				driver := browser.NewDriver()
				defer driver.Close()
				challenge.AttachSolver(broker, driver, bus)
			}

			notifiers := notify.Multi{notify.NewRecorder(store, bus)}
			if cfg.Notify.WebhookURL != "" {
				notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, bus))
			}
			var mailer *notify.EmailNotifier
			if cfg.Notify.Email.Enabled {
				mailer = notify.NewEmailNotifier(cfg.Notify.Email, bus)
				notifiers = append(notifiers, mailer)
			}

			eng := engine.New(engine.Options{
				Provider:   sfcc.New(cfg.Shop, sess),
				Pool:       p,
				Session:    sess,
				Challenges: broker,
				Bus:        bus,
				Notifier:   notifiers,
				Limits:     cfg.Limits,
				Monitor:    cfg.Monitor,
				Retry:      cfg.Retry,
			})

			api := httpapi.New(httpapi.Options{
				Cfg:        cfg,
				Bus:        bus,
				Store:      store,
				Engine:     eng,
				Pool:       p,
				Challenges: broker,
			})
			server := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Msg("本地 API 已启动")
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("本地 API 异常退出")
				}
			}()

			summary, runErr := eng.Run(ctx, tasks)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			if mailer != nil {
				_ = mailer.Close(shutdownCtx)
			}

			log.Info().
				Int("total", summary.Total).
				Int("success", summary.Success).
				Int("failed", summary.Failed).
				Dur("elapsed", summary.Elapsed).
				Msg("执行结束")
			for reason, n := range summary.ByReason {
				log.Info().Str("reason", reason).Int("count", n).Msg("失败原因")
			}

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tasksPath, "tasks", "./tasks.csv", "任务 CSV 路径")
	cmd.Flags().StringVar(&profilesPath, "profiles", "./profiles.csv", "档案 CSV 路径")
	cmd.Flags().BoolVar(&skipChecks, "skip-checks", false, "跳过启动前预检")
	cmd.Flags().BoolVar(&manualSolve, "manual-solve", false, "不开浏览器，挑战走 API 人工回填")
	return cmd
}

func logReport(kind string, report loader.Report) {
	log.Info().Str("kind", kind).Int("loaded", report.Loaded).Int("rejected", len(report.Rejected)).Msg("装载完成")
	for _, rej := range report.Rejected {
		log.Warn().Str("kind", kind).Int("line", rej.Line).Str("reason", rej.Reason).Msg("行被跳过")
	}
}
