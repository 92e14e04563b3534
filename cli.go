package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/config"
	"github.com/choraleia/chromepool/pkg/db"
	"github.com/choraleia/chromepool/pkg/event"
	"github.com/choraleia/chromepool/pkg/pool"
	"github.com/choraleia/chromepool/pkg/utils"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "chromepool",
		Short:         "Pooled headless Chrome over the DevTools protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().String("config", "", "config file (default ~/.chromepool/config.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newEvalCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	if _, err := config.EnsureDefaultConfig(); err != nil {
		utils.GetLogger().Warn("Failed to write default config", "error", err)
	}
	cfg, _, err := config.Load()
	return cfg, err
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API over a shared browser pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.AppConfig) error {
	logger := utils.GetLogger()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	emitter := event.NewEmitter()

	var store *pool.Store
	if path := cfg.DatabasePath(); path != "" {
		gdb, err := db.Open(path)
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		store = pool.NewStore(gdb)
		logger.Info("Instance history enabled", "path", path)
	}

	if addr := cfg.RedisAddr(); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis unreachable; event bridge disabled", "addr", addr, "error", err)
		} else {
			bridge := event.NewRedisBridge(emitter, client, cfg.RedisChannel())
			defer bridge.Close()
			logger.Info("Publishing events to Redis", "addr", addr, "channel", cfg.RedisChannel())
		}
	}

	manager := pool.NewManager(pool.Options{
		IdleTimeout:       cfg.IdleTimeout(),
		ReapInterval:      cfg.ReapInterval(),
		LaunchTimeout:     cfg.LaunchTimeout(),
		CommandTimeout:    cfg.CommandTimeout(),
		DefaultExecutable: cfg.Executable(),
		Store:             store,
		Emitter:           emitter,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Browser pool shutdown incomplete", "error", err)
		}
	}()

	defaults := browser.Config{Headless: cfg.Headless(), Args: cfg.Args()}
	server := NewServer(manager, emitter, defaults, cfg.Host(), cfg.Port())
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}

func newEvalCmd() *cobra.Command {
	var (
		url        string
		expr       string
		selector   string
		executable string
		headless   bool
		debug      bool
		extraArgs  []string
		timeout    time.Duration
		textSel    string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Launch a browser, load a URL and print the value of an expression",
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := pool.NewManager(pool.Options{DefaultExecutable: executable})
			defer manager.Shutdown(context.Background())

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			cfg := browser.Config{
				Headless: headless,
				Debug:    debug,
				Args:     extraArgs,
			}
			value, err := evaluate(ctx, manager, cfg, url, selector, expr)
			if err != nil {
				return err
			}
			if textSel != "" {
				text, err := extractText(ctx, manager, cfg, url, textSel)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", text)
			}
			out, err := json.MarshalIndent(value, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "about:blank", "page to load")
	cmd.Flags().StringVar(&expr, "expr", "document.title", "JavaScript expression to evaluate")
	cmd.Flags().StringVar(&selector, "wait", "", "selector to wait for before evaluating")
	cmd.Flags().StringVar(&executable, "executable", os.Getenv("CHROME_BIN"), "browser binary")
	cmd.Flags().BoolVar(&headless, "headless", true, "run without a window")
	cmd.Flags().BoolVar(&debug, "debug", false, "log browser stderr and protocol frames")
	cmd.Flags().StringArrayVar(&extraArgs, "arg", nil, "extra browser flag (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall deadline")
	cmd.Flags().StringVar(&textSel, "text", "", "also print the visible text of this selector, read through chromedp")
	return cmd
}

// evaluate runs one navigate-then-evaluate cycle on a pooled browser.
func evaluate(ctx context.Context, manager *pool.Manager, cfg browser.Config, url, selector, expr string) (any, error) {
	inst, err := manager.GetOrLaunch(ctx, cfg)
	if err != nil {
		return nil, err
	}
	page, err := inst.OpenPage(ctx)
	if err != nil {
		return nil, err
	}
	defer page.Close(context.Background())

	if err := page.Navigate(ctx, url); err != nil {
		return nil, err
	}
	if selector != "" {
		if err := page.WaitForSelector(ctx, selector, 0); err != nil {
			return nil, err
		}
	}
	var value any
	if err := page.EvaluateInto(ctx, expr, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// extractText loads url in a chromedp tab attached to the pooled browser and
// returns the visible text of selector.
func extractText(ctx context.Context, manager *pool.Manager, cfg browser.Config, url, selector string) (string, error) {
	inst, err := manager.GetOrLaunch(ctx, cfg)
	if err != nil {
		return "", err
	}
	tabCtx, cancel, err := inst.Attach(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	var text string
	err = chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady(selector),
		chromedp.Text(selector, &text),
	)
	if err != nil {
		return "", fmt.Errorf("extract text from %s: %w", url, err)
	}
	return text, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the chromepool version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chromepool %s\n", version)
		},
	}
}
