package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ibgate/api"
	"ibgate/config"
	"ibgate/gateway"
	"ibgate/logger"
	"ibgate/transport"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := flag.String("config", "config/config.yml", "path to configuration file")
	flag.Parse()

	log := logger.GetLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Fatal("invalid logging configuration")
	}
	env := config.AppEnvironment()
	if config.IsProductionLike(env) && cfg.Server.APIKey == "" {
		log.Fatal("api key is required in production-like environments")
	}

	log.WithComponent("main").WithFields(logger.Fields{
		"name":          cfg.Gateway.Name,
		"version":       cfg.Gateway.Version,
		"environment":   env,
		"terminal_mode": cfg.Terminal.Mode,
	}).Info("starting gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, cfg.Metrics.Namespace)
	}
	logger.StartReport(ctx, log, 60*time.Second)

	gw, err := gateway.New(cfg, transport.NewDialer(cfg.Terminal.Mode))
	if err != nil {
		log.WithError(err).Fatal("failed to build gateway")
	}
	if err := gw.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start gateway")
	}

	if cfg.Server.ConnectOnStart {
		go func() {
			if _, err := gw.Connect(ctx); err != nil {
				log.WithComponent("main").WithError(err).Warn("initial terminal connect failed; use /connect to retry")
			}
		}()
	}

	server := api.NewServer(cfg, gw)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithComponent("main").WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithComponent("main").WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithComponent("main").WithError(err).Warn("http server shutdown was not clean")
	}

	cancel()
	gw.Stop()
	log.WithComponent("main").Info("gateway stopped")
}
