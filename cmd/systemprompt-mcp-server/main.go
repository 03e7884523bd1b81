// Command systemprompt-mcp-server runs the Reddit MCP server: an OAuth 2.1
// authorization server and a streaming HTTP MCP endpoint in one process.
// All configuration comes from the environment; see internal/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/systempromptio/systemprompt-mcp-server/internal/authserver"
	"github.com/systempromptio/systemprompt-mcp-server/internal/authstore"
	"github.com/systempromptio/systemprompt-mcp-server/internal/catalog"
	"github.com/systempromptio/systemprompt-mcp-server/internal/config"
	"github.com/systempromptio/systemprompt-mcp-server/internal/engine"
	"github.com/systempromptio/systemprompt-mcp-server/internal/logctx"
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/middleware"
	"github.com/systempromptio/systemprompt-mcp-server/internal/reddit"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
	"github.com/systempromptio/systemprompt-mcp-server/internal/sessions"
	"github.com/systempromptio/systemprompt-mcp-server/internal/streaminghttp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/tokens"
)

const serverName = "systemprompt-mcp-server"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, level := setupLogger(cfg)
	slog.SetDefault(log)

	codec, err := tokens.NewCodec([]byte(cfg.SigningSecret), cfg.Issuer)
	if err != nil {
		return err
	}

	upstream := reddit.NewAuthClient(cfg.RedditClientID, cfg.RedditClientSecret, cfg.CallbackURL, cfg.UserAgent)
	api := reddit.NewClient(cfg.UserAgent)

	store := authstore.New()
	defer store.Close()

	auth, err := authserver.New(cfg.Issuer, store, codec, upstream, authserver.WithLogger(log))
	if err != nil {
		return err
	}

	tools := catalog.Tools(api)
	var resources registry.ResourceRegistry = catalog.Resources(api)
	if cfg.ResourceDir != "" {
		dir, err := registry.NewDirResources(cfg.ResourceDir, log)
		if err != nil {
			return fmt.Errorf("resource dir %s: %w", cfg.ResourceDir, err)
		}
		defer dir.Close()
		resources = registry.MultiResources{resources, dir}
	}
	prompts := catalog.Prompts(resources)

	eng := engine.New(tools, prompts, resources, catalog.Callbacks(),
		engine.WithLogger(log),
		engine.WithLogLevelVar(level),
		engine.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: config.Version}),
	)

	table := sessions.NewTable(eng.Factory(), sessions.WithLogger(log))
	defer table.Close()

	bearer := middleware.NewBearerCheck(codec, cfg.MetadataURL(), middleware.WithBearerLogger(log))
	limit := middleware.NewRateLimit(cfg.RateLimitMax, cfg.RateLimitWindow)

	handler, err := streaminghttp.New(cfg.Issuer, table, bearer, limit,
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerInfo(serverName, config.Version),
		streaminghttp.WithCapabilities(streaminghttp.Capabilities{
			Tools:     true,
			Prompts:   true,
			Resources: true,
			Sampling:  true,
		}),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	auth.Register(mux)
	mux.Handle("/", handler)

	go relayListChanges(ctx, table, tools.Subscriber(), mcp.ToolsListChangedNotificationMethod)
	if sub, ok := resources.(registry.ChangeSubscriber); ok {
		go relayListChanges(ctx, table, sub.Subscriber(), mcp.ResourcesListChangedNotificationMethod)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			slog.String("addr", srv.Addr),
			slog.String("issuer", cfg.Issuer),
			slog.String("endpoint", cfg.McpEndpoint()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// The parent context is already cancelled; in-flight requests get a
	// fresh deadline to drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// relayListChanges forwards catalog change ticks to every live session as a
// list_changed notification.
func relayListChanges(ctx context.Context, table *sessions.Table, changes <-chan struct{}, method mcp.Method) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			table.Broadcast(ctx, method, nil)
		}
	}
}

func setupLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		inner = slog.NewTextHandler(os.Stdout, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(logctx.Handler{Handler: inner}), level
}
