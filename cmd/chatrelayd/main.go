package main

import (
	"context"
	"log"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"chatrelay/config"
	"chatrelay/discovery"
	"chatrelay/mailbox"
	"chatrelay/server"
)

func main() {
	_ = godotenv.Load()

	cfg, dataDir, err := config.LoadOrCreateServer()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := mailbox.OpenPath(cfg.DBPath, logger)
	if err != nil {
		log.Fatalf("startup failed while opening mailbox: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("mailbox close error")
		}
	}()

	tokens, err := config.LoadTokens(cfg.TokensPath)
	if err != nil {
		log.Fatalf("startup failed while loading tokens: %v", err)
	}
	if len(tokens) == 0 {
		logger.WithField("path", cfg.TokensPath).Warn("no auth tokens configured; all connections will be rejected")
	}

	srv, err := server.Listen(cfg.ListenAddr, server.Options{
		Resolver:   server.StaticTokenResolver(tokens),
		Membership: store,
		Store:      store,
		Log:        logger,
	})
	if err != nil {
		log.Fatalf("startup failed while starting listener: %v", err)
	}
	defer srv.Close()

	logger.WithFields(logrus.Fields{
		"server_id": cfg.ServerID,
		"addr":      srv.Addr().String(),
		"data_dir":  dataDir,
	}).Info("relay started")

	if cfg.EnableMDNS {
		if port := listenPort(srv.Addr()); port > 0 {
			advertiser, err := discovery.StartAdvertiser(discovery.Config{
				ServerID: cfg.ServerID,
				Port:     port,
			})
			if err != nil {
				logger.WithError(err).Warn("mDNS advertisement failed")
			} else {
				defer advertiser.Stop()
				logger.Info("mDNS advertisement running")
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("shutting down")
}

func listenPort(addr net.Addr) int {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
