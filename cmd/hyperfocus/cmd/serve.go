package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/hyperfocusai/hyperfocus/internal/api"
	"github.com/hyperfocusai/hyperfocus/internal/chat"
	"github.com/hyperfocusai/hyperfocus/internal/config"
	"github.com/hyperfocusai/hyperfocus/internal/focus"
	"github.com/hyperfocusai/hyperfocus/internal/llm"
	"github.com/hyperfocusai/hyperfocus/internal/storage"
)

var (
	serveAddr string
	serveUser string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Hyperfocus API server",
	Long: `Starts the REST and WebSocket server backing the Hyperfocus client.

The server loads chats from the local database immediately and reconciles
with the hosted backend in the background when one is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveUser, "user", "", "authenticated user ID (empty for guest mode)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(configPath, debug)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var local *storage.LocalStore
	if cfg.Data.Directory != "" {
		dbPath, err := storage.NewPathManager(cfg.Data.Directory).DatabasePath()
		if err != nil {
			return fmt.Errorf("failed to prepare data directory: %w", err)
		}
		local, err = storage.NewLocalStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
	} else {
		local, err = storage.NewDefaultLocalStore()
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
	}
	defer local.Close()

	if stats, err := local.Stats(parent); err == nil {
		log.Debug("local store opened", "chats", stats["chats"], "messages", stats["messages"])
	}

	var remote storage.Store
	if cfg.Remote.URL != "" {
		remote = storage.NewRemoteStore(cfg.Remote.URL, cfg.Remote.APIKey)
		log.Info("remote mirror enabled", "url", cfg.Remote.URL)
	} else {
		log.Info("remote mirror disabled, running local-only")
	}

	client := llm.NewOpenRouterClient(llm.Options{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		Referer:     cfg.Provider.Referer,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	})

	cache := storage.NewSyncCache(local, remote, serveUser)
	defer cache.Close()

	analyzer := focus.NewAnalyzer(client, cfg.Provider.Model)
	controller := focus.NewController(analyzer, cache.Settings)
	manager := chat.NewManager(cache, client, analyzer, controller, cfg.Provider.Model)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx)

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	server := api.NewServer(manager, cache)
	if err := server.Start(ctx, addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down")
	return nil
}
