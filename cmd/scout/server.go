package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/scoutcrm/scout/internal/agent"
	"github.com/scoutcrm/scout/internal/api"
	"github.com/scoutcrm/scout/internal/config"
	"github.com/scoutcrm/scout/internal/crm"
	"github.com/scoutcrm/scout/internal/intel"
	"github.com/scoutcrm/scout/internal/model"
	"github.com/scoutcrm/scout/internal/storage"
	"github.com/scoutcrm/scout/internal/tools"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scout server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "scout version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(os.Getenv("SCOUT_LOG_LEVEL"), "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the research pipeline.
	crmClient := crm.New(cfg.CRM.BaseURL, cfg.CRM.Token)
	registry := buildRegistry(cfg, crmClient)
	modelClient, err := buildModelClient(cfg)
	if err != nil {
		return err
	}
	engine := agent.NewEngine(modelClient, registry, func(o *agent.Options) {
		o.MaxIterations = cfg.Pipeline.MaxIterations
		o.ToolTimeout = time.Duration(cfg.Pipeline.ToolTimeoutSec) * time.Second
	})
	manager := intel.NewManager(store, engine, crmClient, func(o *intel.Options) {
		o.ListTimeout = time.Duration(cfg.Pipeline.ListTimeoutSec) * time.Second
	})

	// Jobs left running by a previous process are unrecoverable; mark them.
	if n, err := manager.Recover(); err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	} else if n > 0 {
		slog.Info("marked interrupted jobs as errored", "count", n)
	}

	// Build HTTP handler and server.
	handler := api.NewAppHandler(api.AppDeps{
		Manager: manager,
		Store:   store,
		Token:   cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Optionally expose the tool surface over MCP (stdio transport).
	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Registry: registry})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "scout listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. Running jobs keep executing until the
	// process exits; anything still running then is recovered on restart.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildRegistry(cfg config.Config, crmClient *crm.Client) *tools.Registry {
	set := []tools.Tool{
		tools.NewCRMLookupTool(crmClient),
		tools.NewCRMSearchTool(crmClient),
		tools.NewFetchPageTool(),
	}
	if cfg.KB.BaseURL != "" {
		set = append(set, tools.NewKBSearchTool(tools.NewKBClient(cfg.KB.BaseURL, cfg.Server.APIToken)))
	}
	return tools.NewRegistry(set...)
}

func buildModelClient(cfg config.Config) (model.Client, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return model.NewAnthropic(func(o *model.AnthropicOptions) {
			o.Model = cfg.Model.Model
			o.MaxTokens = int64(cfg.Model.MaxTokens)
			o.APIKey = cfg.Model.AnthropicKey
		}), nil
	case "openai":
		return model.NewOpenAI(func(o *model.OpenAIOptions) {
			o.Model = cfg.Model.Model
			o.MaxTokens = int64(cfg.Model.MaxTokens)
			o.APIKey = cfg.Model.OpenAIKey
		}), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}
