package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/tracegate/tracegate/internal/config"
	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/session"
	"github.com/tracegate/tracegate/internal/store"
	"github.com/tracegate/tracegate/internal/ws"
)

func main() {
	configPath := pflag.String("config", "", "path to config file")
	dbPath := pflag.String("db", "", "override store database path")
	addr := pflag.String("addr", "", "override listen address")
	token := pflag.String("token", "", "shared token for all roles")
	app := pflag.String("app", "", "override session app name")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *app != "" {
		cfg.Session.App = *app
	}

	if err := run(cfg, *token, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, token string, logger *slog.Logger) error {
	st, err := store.OpenSQLite(store.Options{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	host, watcher, err := session.Open(ctx, st, session.Config{
		App:        cfg.Session.App,
		HostName:   cfg.Session.HostName,
		LinkClient: cfg.Session.LinkClientEnabled(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	wsCfg, err := serverConfig(cfg.Server, logger)
	if err != nil {
		watcher.Shutdown()
		return err
	}
	if token != "" {
		wsCfg = wsCfg.DefaultToken(token)
	}
	wsCfg.InterruptShutdown = true

	handle, err := ws.Start(ctx, host, wsCfg)
	if err != nil {
		watcher.Shutdown()
		return err
	}

	grace, err := handle.Wait()
	if err != nil {
		logger.Error("server failed", "error", err)
	}
	logger.Info("draining session", "grace", grace.String())

	if _, werr := watcher.Shutdown(); werr != nil {
		logger.Error("watcher failed", "error", werr)
	}
	return err
}

func serverConfig(sc config.ServerConfig, logger *slog.Logger) (ws.Config, error) {
	formats := make([]msg.Format, 0, len(sc.Formats))
	for _, name := range sc.Formats {
		f, err := msg.ParseFormat(name)
		if err != nil {
			return ws.Config{}, err
		}
		formats = append(formats, f)
	}
	def := msg.FormatJSON
	if sc.Format != "" {
		f, err := msg.ParseFormat(sc.Format)
		if err != nil {
			return ws.Config{}, err
		}
		def = f
	}

	cfg := ws.Config{
		Addr:              sc.Addr,
		PusherPath:        sc.PusherPath,
		ObserverPath:      sc.ObserverPath,
		DirectorPath:      sc.DirectorPath,
		Formats:           formats,
		DefaultFormat:     def,
		AuthTimeout:       sc.AuthTimeout,
		DiscardPushErrors: sc.DiscardPush,
		Logger:            logger,
	}
	if sc.Token != "" {
		cfg = cfg.DefaultToken(sc.Token)
	}
	return cfg, nil
}
