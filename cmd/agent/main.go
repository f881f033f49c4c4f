package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mediarelay/internal/agent"
	"mediarelay/internal/core/services"
	"mediarelay/internal/infrastructure/monitoring"
	"mediarelay/pkg/config"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/agent.yaml", "path to the agent configuration file")
	id := flag.String("id", "", "agent id (overrides the config file)")
	relayURL := flag.String("relay", "", "relay signaling URL (overrides the config file)")
	tier := flag.String("tier", "", "requested quality tier: low, medium, high or auto")
	sendFile := flag.String("send-file", "", "upload this file to the relay once published")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *id != "" {
		cfg.Agent.ID = *id
	}
	if *relayURL != "" {
		cfg.Agent.RelayURL = *relayURL
	}
	if *tier != "" {
		cfg.Agent.Tier = *tier
	}
	if *sendFile != "" {
		cfg.Agent.SendFile = *sendFile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.ForFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if cfg.Agent.ID == "" {
		cfg.Agent.ID = utils.NewAgentID()
		log.Warnw("no agent id configured, generated one", "agent_id", cfg.Agent.ID)
	}

	metrics := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	load := services.NewLoadMonitor(log)

	a, err := agent.New(cfg, load, metrics, log)
	if err != nil {
		log.Fatalw("failed to create agent", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("starting agent", "agent_id", cfg.Agent.ID, "relay", cfg.Agent.RelayURL, "sources", cfg.Agent.Sources)
	if err := a.Run(ctx); err != nil {
		log.Errorw("agent stopped", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}
