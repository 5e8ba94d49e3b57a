// handlers.go implements the run logic behind the cobra commands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tom-assistant/tom/internal/backend"
	"github.com/tom-assistant/tom/internal/calllog"
	"github.com/tom-assistant/tom/internal/config"
	"github.com/tom-assistant/tom/internal/gateway"
	"github.com/tom-assistant/tom/internal/llm"
	"github.com/tom-assistant/tom/internal/mcp"
	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/modules/notifications"
	"github.com/tom-assistant/tom/internal/notify"
	"github.com/tom-assistant/tom/internal/observability"
	"github.com/tom-assistant/tom/internal/orchestrator"
	"github.com/tom-assistant/tom/internal/sessions"
	"github.com/tom-assistant/tom/internal/storage"

	// Capability modules register themselves with the provider registry.
	_ "github.com/tom-assistant/tom/internal/modules/behavior"
	_ "github.com/tom-assistant/tom/internal/modules/cafetaria"
	_ "github.com/tom-assistant/tom/internal/modules/calendar"
	_ "github.com/tom-assistant/tom/internal/modules/gpodder"
	_ "github.com/tom-assistant/tom/internal/modules/idfm"
	_ "github.com/tom-assistant/tom/internal/modules/kwyk"
	_ "github.com/tom-assistant/tom/internal/modules/news"
	_ "github.com/tom-assistant/tom/internal/modules/todo"
	_ "github.com/tom-assistant/tom/internal/modules/weather"
)

func loadConfig(path string) (*config.Config, *observability.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.Global.LogLevel})
	return cfg, logger, nil
}

func runGateway(ctx context.Context, configPath, staticDir string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	dataRoot := filepath.Dir(configPath)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, err := sessions.NewStore(cfg.Global.Sessions, sessions.DefaultTTL, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	go store.Janitor(ctx, time.Hour)

	db, err := storage.Open(filepath.Join(dataRoot, "fcm_tokens.sqlite"))
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	defer db.Close()
	tokens, err := notify.NewTokenStore(db)
	if err != nil {
		return err
	}

	server := gateway.NewServer(gateway.Options{
		Config:    cfg,
		Sessions:  store,
		Tokens:    tokens,
		Logger:    logger,
		Metrics:   metrics,
		Registry:  registry,
		StaticDir: staticDir,
	})
	return server.ListenAndServeTLS(ctx, cfg.Global.TLSDir)
}

func runBackend(ctx context.Context, configPath, username, addr string, providerFlags []string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	user, ok := cfg.User(username)
	if !ok {
		return fmt.Errorf("unknown user %q", username)
	}

	adapter, err := llm.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("llm adapter: %w", err)
	}

	providers := make(map[string]orchestrator.Provider, len(providerFlags))
	var sources []notify.StatusSource
	for _, flag := range providerFlags {
		name, url, found := strings.Cut(flag, "=")
		if !found {
			return fmt.Errorf("malformed --provider %q, want <module>=<url>", flag)
		}
		client := mcp.NewClient(url, 0)
		providers[name] = client
		sources = append(sources, &providerNotificationSource{name: name, client: client})
	}

	writer, err := calllog.NewWriter(filepath.Join(cfg.Global.AllDatadir, "call_logs.yml"))
	if err != nil {
		return fmt.Errorf("call log: %w", err)
	}

	var location *time.Location
	if user.Timezone != "" {
		location, err = time.LoadLocation(user.Timezone)
		if err != nil {
			logger.Warn(ctx, "invalid timezone, using default", "timezone", user.Timezone)
			location = nil
		}
	}

	orch := orchestrator.New(ctx, orchestrator.Config{
		Username:        username,
		PersonalContext: user.PersonalContext,
		Location:        location,
		LLM:             adapter,
		Providers:       providers,
		CallLog:         writer,
		Logger:          logger,
		Metrics:         observability.NewMetrics(prometheus.NewRegistry()),
	})

	aggregator := notify.NewAggregator(sources, logger)
	go aggregator.Run(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           backend.NewServer(username, orch, aggregator, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "backend listening", "addr", addr, "username", username)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func runProvider(ctx context.Context, configPath, moduleName, username, addr string) error {
	cfg, logger, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	dataRoot := filepath.Dir(configPath)

	env := modules.Env{
		Username:      username,
		DataDir:       dataRoot,
		SharedDataDir: dataRoot,
		Logger:        logger,
	}
	if username != "" {
		env.DataDir = filepath.Join(cfg.Global.UserDatadir, username)
	}

	var module modules.Module
	if moduleName == "notifications" {
		// The notifications module carries the reminder scheduler, so it is
		// wired with the push stack instead of going through the registry.
		module, err = buildNotificationsProvider(ctx, cfg, dataRoot, username, logger)
	} else {
		module, err = modules.New(moduleName, env)
	}
	if err != nil {
		return fmt.Errorf("module %s: %w", moduleName, err)
	}

	host, err := modules.NewHost(module, logger)
	if err != nil {
		return err
	}
	host.Start(ctx)

	if watcher, ok := module.(interface{ WatchPlugins(context.Context) error }); ok {
		go func() {
			if err := watcher.WatchPlugins(ctx); err != nil {
				logger.Warn(ctx, "plugin watcher stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           host.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "provider listening", "addr", addr, "module", moduleName)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// buildNotificationsProvider assembles the notifications module together with
// the FCM push stack and the per-minute reminder worker.
func buildNotificationsProvider(ctx context.Context, cfg *config.Config, dataRoot, username string, logger *observability.Logger) (modules.Module, error) {
	db, err := storage.Open(filepath.Join(dataRoot, "mcp", "notifications", "notifications.sqlite"))
	if err != nil {
		return nil, err
	}
	store, err := notifications.NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	tokenDB, err := storage.Open(filepath.Join(dataRoot, "fcm_tokens.sqlite"))
	if err != nil {
		return nil, err
	}
	tokens, err := notify.NewTokenStore(tokenDB)
	if err != nil {
		return nil, err
	}

	var pusher *notify.Pusher
	if file := cfg.Global.Firebase.ServiceAccountFile; file != "" {
		sender, err := notify.NewFCMSender(ctx, file)
		if err != nil {
			return nil, fmt.Errorf("fcm sender: %w", err)
		}
		pusher = notify.NewPusher(tokens, sender, logger, nil)
	} else {
		logger.Warn(ctx, "no firebase service account configured, push disabled")
	}

	location, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		location = time.UTC
	}
	var modulePusher notifications.Pusher
	if pusher != nil {
		modulePusher = pusher
	}
	module := notifications.New(store, username, modulePusher, location, logger)

	if pusher != nil {
		worker := notify.NewReminderWorker(store, pusher, logger)
		if err := worker.Start(ctx); err != nil {
			return nil, fmt.Errorf("reminder worker: %w", err)
		}
	}
	return module, nil
}

// providerNotificationSource adapts a provider's notification resource to the
// aggregator's source interface.
type providerNotificationSource struct {
	name   string
	client *mcp.Client
}

func (s *providerNotificationSource) Name() string { return s.name }

func (s *providerNotificationSource) NotificationStatus(ctx context.Context) (string, time.Time, error) {
	resource, err := s.client.ReadResource(ctx, mcp.ResourceNotification)
	if err != nil {
		return "", time.Time{}, err
	}
	return resource.Text, resource.Timestamp, nil
}
