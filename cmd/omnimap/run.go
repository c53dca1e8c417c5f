package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"omnimap/internal/bus"
	"omnimap/internal/channel"
	"omnimap/internal/config"
	"omnimap/internal/domain"
	"omnimap/internal/extract"
	"omnimap/internal/jobs"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newTelegram(cfg *config.Config) *channel.Telegram {
	return channel.NewTelegram(channel.TelegramConfig{
		Token:     cfg.Telegram.Token,
		AllowFrom: cfg.Telegram.AllowFrom,
		ParseMode: cfg.Telegram.ParseMode,
		Polling:   cfg.Telegram.Mode != "webhook",
		Logger:    logger,
	})
}

func newServer(cfg *config.Config, a *app, tg *channel.Telegram) *channel.Server {
	return channel.NewServer(channel.ServerConfig{
		Addr:        cfg.Server.Addr,
		WebhookPath: cfg.Server.WebhookPath,
		Secret:      cfg.Telegram.WebhookSecret,
		Updates:     tg,
		Status:      a.status,
		Logger:      logger,
	})
}

// lockWorker takes the single-worker file lock. Postgres deployments rely
// on the conditional claim instead and skip the lock.
func lockWorker(cfg *config.Config) (func(), error) {
	if cfg.Store.Driver == "postgres" || cfg.Worker.LockFile == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Worker.LockFile), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(cfg.Worker.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("worker lock %s: %w", cfg.Worker.LockFile, err)
	}
	if !ok {
		return nil, fmt.Errorf("another worker already holds %s", cfg.Worker.LockFile)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("worker unlock failed", "err", err)
		}
	}, nil
}

func requireToken(cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram token is not set (BOT_TOKEN or telegram.token)")
	}
	return nil
}

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram bot front end (no job worker)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServices(false)
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the bot, the HTTP server and the job worker together",
		Long:  "Starts the Telegram channel, the webhook/health server and the job worker in one process. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServices(true)
		},
	}
}

func runServices(withWorker bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireToken(cfg); err != nil {
		return err
	}
	if withWorker {
		unlock, err := lockWorker(cfg)
		if err != nil {
			return err
		}
		defer unlock()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	tg := newTelegram(cfg)
	if err := tg.Connect(); err != nil {
		return err
	}
	dispatcher := a.dispatcher(messageBus)
	server := newServer(cfg, a, tg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tg.Start(gctx, messageBus) })
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if withWorker {
		w := a.worker(tg)
		g.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("omnimap running",
		"mode", cfg.Telegram.Mode,
		"bot", tg.Username(),
		"addr", cfg.Server.Addr,
		"worker", withWorker,
		"env", cfg.General.Env,
	)
	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job worker",
		Long:  "Polls queued jobs, runs their processors and notifies users on Telegram.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			unlock, err := lockWorker(cfg)
			if err != nil {
				return err
			}
			defer unlock()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			tg := newTelegram(cfg)
			if err := tg.Connect(); err != nil {
				return err
			}
			logger.Info("worker started", "interval_s", cfg.Worker.IntervalSeconds, "batch", cfg.Worker.BatchSize)
			return a.worker(tg).Run(ctx)
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the bot in the terminal with an in-process worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			messageBus := bus.New(100, logger)
			defer messageBus.Close()

			cli := channel.NewCLI(channel.CLIConfig{Logger: logger})
			dispatcher := a.dispatcher(messageBus)
			w := a.worker(cli)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error {
				defer cancel()
				return cli.Start(gctx, messageBus)
			})
			g.Go(func() error { return dispatcher.Run(gctx) })
			g.Go(func() error { return w.Run(gctx) })
			return g.Wait()
		},
	}
}

func extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract [url or text]",
		Short: "Extract places from a link or text once and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, router := extraction(cfg)
			req := extract.NewRequest(domain.PlatformCLI, strings.Join(args, " "), nil, nil)
			res := router.Route(ctx, req)
			fmt.Println(jobs.ExtractionReply(res))
			return nil
		},
	}
}

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the Telegram webhook registration",
	}
	var url string
	set := &cobra.Command{
		Use:   "set",
		Short: "Register telegram.publicUrl + server.webhookPath with Telegram",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			if url == "" {
				if cfg.Telegram.PublicURL == "" {
					return errors.New("telegram.publicUrl is not set (or pass --url)")
				}
				url = strings.TrimRight(cfg.Telegram.PublicURL, "/") + cfg.Server.WebhookPath
			}
			tg := newTelegram(cfg)
			if err := tg.Connect(); err != nil {
				return err
			}
			if err := tg.SetWebhook(url, cfg.Telegram.WebhookSecret); err != nil {
				return err
			}
			fmt.Printf("Webhook set for @%s: %s\n", tg.Username(), url)
			return nil
		},
	}
	set.Flags().StringVar(&url, "url", "", "full webhook URL (overrides publicUrl + webhookPath)")
	cmd.AddCommand(set)
	return cmd
}

// helloCmd enqueues a greeting job for a chat, useful for checking that a
// worker is draining the queue.
func helloCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "hello [chat-id]",
		Short:  "Enqueue a hello job for a chat",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			job := a.queue.CreateJob(ctx, jobs.TypeHello, chatID, nil,
				jobs.WithSession(fmt.Sprintf("telegram:%d", chatID)))
			if job == nil {
				return errors.New("enqueue failed")
			}
			fmt.Println(job.ID)
			return nil
		},
	}
}
