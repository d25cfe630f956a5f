package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/bridge"
	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/metrics"
	"chatsync/internal/netmon"
	"chatsync/internal/queue"
	"chatsync/internal/store"
	"chatsync/internal/transport"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "chatsync",
		Short:   "chatsync: offline-first chat client core",
		Long:    "chatsync keeps a local message timeline in sync with a chat backend: optimistic sends, delivery tracking, offline queueing and realtime reconciliation.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.chatsync/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(outboxCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

func setupLogger(cfg *config.Config) error {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("cannot open log file: %w", err)
		}
		out = f
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			cfg.Identity.UserID = "${CHATSYNC_USER_ID}"
			cfg.Identity.Token = "${CHATSYNC_TOKEN}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Start the interactive client",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cache := store.New(cfg.Sync.WindowCap, logger)

	outbox, err := queue.NewSQLiteQueue(cfg.Queue.DBPath, logger)
	if err != nil {
		return err
	}
	defer outbox.Close()

	net := netmon.New(logger)

	durable := transport.NewRESTStore(transport.RESTConfig{
		BaseURL: cfg.Server.APIBase,
		Token:   cfg.Identity.Token,
		Timeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		Logger:  logger,
	})

	wsFeed := transport.NewWSFeed(transport.WSConfig{
		URL:    cfg.Server.FeedURL,
		Token:  cfg.Identity.Token,
		Net:    net,
		Logger: logger,
	})
	go wsFeed.Run(ctx)

	engineFeed := engineFeedFor(ctx, cfg, wsFeed)

	core, err := engine.New(engine.Config{
		SelfID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		Store:       cache,
		Durable:     durable,
		Feed:        engineFeed,
		Net:         net,
		Queue:       outbox,
		Logger:      logger,
		SendTimeout: time.Duration(cfg.Sync.SendTimeoutSeconds) * time.Second,
		PageSize:    cfg.Sync.PageSize,
		TypingTTL:   time.Duration(cfg.Sync.TypingTTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	go core.Run(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.Metrics.Endpoint, metrics.Collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("metrics server starting", "addr", cfg.Metrics.Addr, "endpoint", cfg.Metrics.Endpoint)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	conversation := ""
	if len(args) > 0 {
		conversation = args[0]
	}

	ui := newChatUI(core, cache, cfg, logger)
	return ui.Run(ctx, conversation)
}

// engineFeedFor returns the feed the engine consumes, teeing a copy to the
// Telegram bridge when one is configured.
func engineFeedFor(ctx context.Context, cfg *config.Config, wsFeed *transport.WSFeed) domain.PushFeed {
	if !cfg.Bridge.Telegram.Enabled {
		return wsFeed
	}
	tee := transport.NewTee(wsFeed)
	tg := bridge.NewTelegram(bridge.TelegramConfig{
		Token:     cfg.Bridge.Telegram.Token,
		ChatID:    cfg.Bridge.Telegram.ChatID,
		ParseMode: cfg.Bridge.Telegram.ParseMode,
		SelfID:    cfg.Identity.UserID,
		Logger:    logger,
	})
	go func() {
		if err := tg.Run(ctx, tee.Side()); err != nil && ctx.Err() == nil {
			logger.Error("telegram bridge stopped", "err", err)
		}
	}()
	return tee
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config and outbox state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("identity", "user", cfg.Identity.UserID)
			logger.Info("server", "api", cfg.Server.APIBase, "feed", cfg.Server.FeedURL)

			outbox, err := queue.NewSQLiteQueue(cfg.Queue.DBPath, logger)
			if err != nil {
				return err
			}
			defer outbox.Close()
			n, err := outbox.Len(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("outbox", "path", cfg.Queue.DBPath, "pending", n)
			return nil
		},
	}
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect the offline send queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			outbox, err := queue.NewSQLiteQueue(cfg.Queue.DBPath, logger)
			if err != nil {
				return err
			}
			defer outbox.Close()

			pending, err := outbox.Pending(cmd.Context())
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("outbox is empty")
				return nil
			}
			for _, e := range pending {
				fmt.Printf("%s  %s  %s  %q\n",
					e.CreatedAt.Format(time.RFC3339), e.LocalID, e.ConversationID, e.Content)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drop [local-id]",
		Short: "Remove a queued send",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			outbox, err := queue.NewSQLiteQueue(cfg.Queue.DBPath, logger)
			if err != nil {
				return err
			}
			defer outbox.Close()
			if err := outbox.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("dropped", "local_id", args[0])
			return nil
		},
	})

	return cmd
}
