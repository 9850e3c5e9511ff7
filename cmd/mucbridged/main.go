package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/jitsi/jicoco-sub000/internal/config"
	"github.com/jitsi/jicoco-sub000/internal/xmpp"
	"github.com/jitsi/jicoco-sub000/internal/xmpp/disco"
)

func main() {
	configPath := flag.String("config", "/etc/mucbridged/config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Sync()

	xmpp.InitWireDefaults(cfg.WireDefaults())

	features := make([]disco.Feature, 0, len(cfg.Features))
	for _, f := range cfg.Features {
		features = append(features, disco.Feature(f))
	}
	manager := xmpp.NewManager(logger, xmpp.WithFeatures(features...))

	for _, conn := range cfg.Connections {
		xc, err := conn.ToXMPP()
		if err != nil {
			logger.Error("skipping connection", zap.String("connection", conn.ID), zap.Error(err))
			continue
		}
		if err := manager.AddConnection(xc); err != nil {
			logger.Error("skipping connection", zap.String("connection", conn.ID), zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", zap.String("signal", s.String()))

	manager.Close()
}
