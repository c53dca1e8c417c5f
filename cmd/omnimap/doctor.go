package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"omnimap/internal/config"
	"omnimap/internal/media"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// checkReport tallies doctor results.
type checkReport struct {
	passed, warned, failed int
}

func (r *checkReport) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *checkReport) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *checkReport) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your omnimap installation",
		Long: `Verifies the configuration, storage, ffmpeg, API keys and network
ports omnimap needs. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("omnimap doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkReport
			if err := config.LoadDotEnv("."); err != nil {
				r.warn("Dotenv", err.Error())
			}

			var (
				cfg *config.Config
				err error
			)
			if _, statErr := os.Stat(cfgPath); statErr != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
				cfg, err = config.FromEnv()
			} else {
				r.pass("Config file", cfgPath)
				cfg, err = config.Load(cfgPath)
			}
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\nRun 'omnimap init' to create a default configuration.\n")
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", fmt.Sprintf("valid (%s)", cfg.General.Env))

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			if st, err := openStore(ctx, cfg); err != nil {
				r.fail("Database", err.Error())
			} else {
				detail := cfg.Store.Path
				if cfg.Store.Driver == "postgres" {
					detail = config.Sanitize(cfg).Store.DSN
				}
				if _, err := st.CountByStatus(ctx); err != nil {
					r.fail("Database", err.Error())
				} else {
					r.pass("Database", cfg.Store.Driver+" "+detail)
				}
				_ = st.Close()
			}

			if cfg.Redis.Addr != "" {
				client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
				if err := client.Ping(ctx).Err(); err != nil {
					r.fail("Redis", err.Error())
				} else {
					r.pass("Redis", cfg.Redis.Addr)
				}
				_ = client.Close()
			} else {
				r.warn("Redis", "not configured (flow state kept in memory)")
			}

			ffmpeg := media.NewTranscoder(media.TranscoderConfig{Binary: cfg.Media.FFmpeg, Logger: logger})
			if ffmpeg.Available(ctx) {
				r.pass("ffmpeg", cfg.Media.FFmpeg)
			} else {
				r.fail("ffmpeg", fmt.Sprintf("%q not runnable, reels cannot be processed", cfg.Media.FFmpeg))
			}

			if cfg.Telegram.Token == "" {
				r.fail("Telegram", "no token (BOT_TOKEN)")
			} else {
				tg := newTelegram(cfg)
				if err := tg.Connect(); err != nil {
					r.fail("Telegram", err.Error())
				} else {
					r.pass("Telegram", "@"+tg.Username()+" ("+cfg.Telegram.Mode+")")
				}
			}
			if cfg.Telegram.Mode == "webhook" && cfg.Telegram.WebhookSecret == "" {
				r.warn("Webhook secret", "not set, webhook requests are not authenticated")
			}

			if cfg.OpenAI.APIKey == "" {
				r.warn("OpenAI", "no API key, transcription and vision disabled")
			} else {
				r.pass("OpenAI", cfg.OpenAI.Model)
			}
			if cfg.Places.APIKey == "" {
				r.warn("Places", "no API key, place lookups disabled")
			} else {
				r.pass("Places", cfg.Places.Endpoint)
			}

			if err := os.MkdirAll(cfg.Media.ScratchDir, 0o755); err != nil {
				r.fail("Scratch dir", err.Error())
			} else {
				r.pass("Scratch dir", cfg.Media.ScratchDir)
			}

			if err := checkPort(cfg.Server.Addr); err != nil {
				r.warn("Server addr", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr, err))
			} else {
				r.pass("Server addr", cfg.Server.Addr+" available")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running omnimap.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nomnimap should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! omnimap is ready to run.\n")
			}
			return nil
		},
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
