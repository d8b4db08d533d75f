// chatsyncd runs the sync core as a standalone process: a headless
// messaging client for integration environments and for desktop builds
// that talk to the core over FFI-less local embedding.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/trialpath/chatsync"
	"github.com/trialpath/chatsync/internal/config"
	"github.com/trialpath/chatsync/internal/logging"
	"github.com/trialpath/chatsync/internal/metrics"
	"github.com/trialpath/chatsync/internal/models"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "c", "./config.yml", "config file(s), comma separated")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("chatsyncd v%s\n", Version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(os.Stderr, cfg.Log.Level)
	log := logging.Component("chatsyncd")
	log.WithFields(logrus.Fields{
		"version": Version,
		"env":     cfg.Env,
	}).Info("starting")

	metrics.Register()
	if cfg.Metrics.Addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.WithField("addr", cfg.Metrics.Addr).Info("metrics endpoint listening")
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil {
				log.WithError(err).Error("metrics endpoint failed")
			}
		}()
	}

	client, err := chatsync.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize sync core")
	}

	client.OnConnectionChange(func(state models.ConnectionState) {
		log.WithFields(logrus.Fields{
			"phase":   state.Phase,
			"attempt": state.ReconnectAttempt,
		}).Info("connection state changed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	cancel()
	if err := client.Close(); err != nil {
		log.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}
