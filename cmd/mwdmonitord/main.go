package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/spf13/pflag"

	"mwd-monitor-backend/config"
	"mwd-monitor-backend/internal/api"
	"mwd-monitor-backend/internal/collector"
	"mwd-monitor-backend/internal/db"
	"mwd-monitor-backend/internal/decoder"
	"mwd-monitor-backend/internal/fanout"
	"mwd-monitor-backend/internal/metrics"
	"mwd-monitor-backend/internal/notification"
	"mwd-monitor-backend/internal/replication"
	"mwd-monitor-backend/internal/serialport"
	"mwd-monitor-backend/internal/store"
)

func main() {
	// Setup logger
	logger := log.New(os.Stdout, "mwdmonitor ", log.LstdFlags)

	var (
		configPath string
		listPorts  bool
		noSerial   bool
		serialPort string
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML config file (default $CONFIG_PATH or ./config/config.yaml)")
	pflag.BoolVar(&listPorts, "list-ports", false, "list available serial ports and exit")
	pflag.BoolVar(&noSerial, "no-serial", false, "do not open the serial link (collector or HTTP line ingest only)")
	pflag.StringVar(&serialPort, "port", "", "serial port to read, overrides the config file")
	pflag.Parse()

	if listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			logger.Fatalf("%v", err)
		}
		if len(ports) == 0 {
			fmt.Println("no serial ports found")
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	// Load configuration
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	if serialPort != "" {
		cfg.Serial.Port = serialPort
		cfg.Serial.Enabled = true
	}
	if noSerial {
		cfg.Serial.Enabled = false
	}
	if err := cfg.Decoder.Validate(); err != nil {
		logger.Fatalf("%v", err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	reg := metrics.NewRegistry()

	// Initialize database
	gormDB, backend, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Printf("database initialized successfully (%s)", backend)

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewObservedGormStore(gormDB, store.Options{
		Retention:   cfg.Database.Retention(),
		MaxLookback: cfg.Database.MaxLookback(),
	}, reg.StoreError)
	manager := config.NewManager(configPath, cfg)
	hub := fanout.NewHub(fanout.DefaultBuffer, reg)

	var (
		notifier       decoder.EdgeNotifier
		webpushOptions *webpush.Options
	)
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, appStore, webpushOptions, func() string {
			return manager.Get().Decoder.Title
		})
		pool.Start(ctx)
		notifier = pool
	} else {
		logger.Println("VAPID keys not configured; pump edge notifications disabled")
	}

	processor := decoder.New(cfg.Decoder, decoder.Options{
		Publisher: hub,
		Recorder:  appStore,
		Notifier:  notifier,
		Metrics:   reg,
	})
	go processor.Run(ctx)

	coll := collector.New(appStore, hub, collector.Options{
		Secret: func() string { return manager.Get().Ingest.APIKey },
		Tags: func() (string, string) {
			tags := manager.Get().Decoder.Tags
			return tags.HoleDepth, tags.BitDepth
		},
		Metrics: reg,
	})

	bridge := replication.NewBridge(func() config.ReplicationConfig {
		return manager.Get().Replication
	}, processor, reg)
	go bridge.Run(ctx)

	// A serial failure only disables serial ingestion.
	supervisor := serialport.NewSupervisor(nil, processor.HandleLine)
	if err := supervisor.Start(cfg.Serial); err != nil && !errors.Is(err, serialport.ErrDisabled) {
		logger.Printf("serial ingestion not started: %v", err)
	}

	// Initialize router
	handler := api.NewHandler(api.Deps{
		Store:     appStore,
		Decoder:   processor,
		Collector: coll,
		Config:    manager,
		Serial:    supervisor,
		Hub:       hub,
		Webpush:   webpushOptions,
		Metrics:   reg,
		ListPorts: serialport.ListPorts,
	})
	router := api.NewRouter(handler, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Start the server in a goroutine
	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	supervisor.Stop()
	cancel()
	hub.Close()

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
