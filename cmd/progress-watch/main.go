package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"crawl-progress-client/config"
	"crawl-progress-client/internal/api"
	"crawl-progress-client/internal/connection"
	"crawl-progress-client/internal/credentials"
	"crawl-progress-client/internal/logger"
	"crawl-progress-client/internal/metrics"
	"crawl-progress-client/internal/progress"
	"crawl-progress-client/internal/relay"
	"crawl-progress-client/internal/stats"
	"crawl-progress-client/internal/stomp"
	"crawl-progress-client/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML or JSON)")

	// Optional override flags
	urlOverride := flag.String("url", "", "override connection url (empty = use config)")
	logLevelOverride := flag.String("log-level", "", "override log level (empty = use config)")
	apiAddrOverride := flag.String("api-addr", "", "serve status and metrics on this address (empty = use config)")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")

	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyOverrides(*urlOverride, *logLevelOverride, *apiAddrOverride)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Print(string(out))
		return
	}

	logger, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	statsCollector := stats.NewStatsCollector()

	// Setup metrics if enabled
	var metricsService *metrics.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsService, err = metrics.NewMetrics(reg)
		if err != nil {
			logger.Fatal("failed to create metrics service", "error", err)
		}
		gatherer = reg

		metricsCollector := metrics.NewMetricsCollector(metricsService, statsCollector, cfg.Metrics.UpdateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	creds, err := credentials.FromConfig(cfg.Credentials)
	if err != nil {
		logger.Fatal("failed to set up credentials", "error", err)
	}

	transportOpts := transport.Options{HandshakeTimeout: cfg.Connection.HandshakeTimeout}
	if cfg.Connection.TLS.Enable {
		tlsCfg := cfg.Connection.TLS
		transportOpts.TLSConfig, err = transport.NewTLSConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile, tlsCfg.InsecureSkipVerify)
		if err != nil {
			logger.Fatal("failed to create TLS config", "error", err)
		}
	}

	dialer, err := transport.NewDialerFromNames(logger, cfg.Connection.Transports, transportOpts)
	if err != nil {
		logger.Fatal("failed to create transport dialer", "error", err)
	}

	host := cfg.Connection.Host
	if host == "" {
		if u, err := transport.NormalizeURL(cfg.Connection.URL); err == nil {
			host = u.Hostname()
		}
	}

	stompOpts := stomp.Options{
		Host:         host,
		HeartBeatOut: cfg.Connection.HeartBeat.Outgoing,
		HeartBeatIn:  cfg.Connection.HeartBeat.Incoming,
		Logger:       logger,
	}
	if len(cfg.Connection.AuthErrorMessages) > 0 {
		stompOpts.AuthErrorMessages = cfg.Connection.AuthErrorMessages
	}
	connector := connection.NewSTOMPConnector(dialer, stompOpts)

	manager, err := connection.New(connection.Options{
		Connector:         connector,
		Credentials:       creds,
		Policy:            connection.PolicyFromConfig(cfg.Connection.Reconnect),
		Outbound:          connection.OutboundFromConfig(cfg.Connection.Outbound),
		HandshakeTimeout:  cfg.Connection.HandshakeTimeout,
		DisconnectTimeout: cfg.Connection.DisconnectTimeout,
		Logger:            logger,
		Metrics:           metricsService,
		Stats:             statsCollector,
	})
	if err != nil {
		logger.Fatal("failed to create connection manager", "error", err)
	}

	manager.OnStateChange(func(from, to connection.State, err error) {
		if to == connection.Closed && manager.Snapshot().Halted {
			logger.Error("connection halted, no further reconnects will be attempted", "error", err)
		}
	})

	router, err := relay.NewRouterFromConfig(cfg.Relay, logger, metricsService, statsCollector)
	if err != nil {
		logger.Fatal("failed to create relay", "error", err)
	}

	for _, sub := range cfg.Subscriptions {
		if _, err := manager.SubscribeDurable(sub.Destination, handleUpdate(logger, router), sub.Headers); err != nil {
			logger.Fatal("failed to register subscription", "destination", sub.Destination, "error", err)
		}
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, manager, statsCollector, gatherer, logger)
		apiServer.Start()
	}

	if err := manager.Connect(cfg.Connection.URL); err != nil {
		logger.Fatal("failed to start connection", "url", cfg.Connection.URL, "error", err)
	}

	logger.Info("progress-watch started",
		"url", cfg.Connection.URL,
		"transports", cfg.Connection.Transports,
		"subscriptions", len(cfg.Subscriptions),
		"relayRoutes", len(cfg.Relay.Routes),
		"metricsEnabled", cfg.Metrics.Enabled,
		"apiEnabled", cfg.API.Enabled)

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		switch sig {
		case syscall.SIGHUP:
			logger.Info("received SIGHUP, reopening logs")
			logger.Sync()
		case syscall.SIGINT, syscall.SIGTERM:
			logger.Info("shutting down...")

			manager.Disconnect()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()

			if apiServer != nil {
				if err := apiServer.Shutdown(shutdownCtx); err != nil {
					logger.Error("failed to shutdown api server", "error", err)
				}
			}
			if err := router.Close(); err != nil {
				logger.Error("failed to close relay sinks", "error", err)
			}
			return
		}
	}
}

// handleUpdate logs each progress update and forwards the raw body through the relay.
func handleUpdate(log *logger.Logger, router *relay.Router) connection.MessageHandler {
	return func(msg connection.Message) {
		update, err := progress.Decode(msg.Body)
		if err != nil {
			log.Warn("undecodable progress message",
				"destination", msg.Destination,
				"error", err)
		} else {
			fields := append([]interface{}{"destination", msg.Destination}, update.LogFields()...)
			log.Info("progress update", fields...)
			if update.Status.Terminal() {
				log.Info("job finished", "jobId", update.JobID, "status", string(update.Status))
			}
		}

		if _, err := router.Relay(context.Background(), msg.Destination, []byte(msg.Body)); err != nil {
			log.Debug("relay incomplete", "destination", msg.Destination, "error", err)
		}
	}
}
