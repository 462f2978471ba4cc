package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/ensembled/pkg/api"
	"github.com/psantana5/ensembled/pkg/auth"
	"github.com/psantana5/ensembled/pkg/bandwidth"
	"github.com/psantana5/ensembled/pkg/ensemble"
	"github.com/psantana5/ensembled/pkg/history"
	"github.com/psantana5/ensembled/pkg/logging"
	"github.com/psantana5/ensembled/pkg/metrics"
	"github.com/psantana5/ensembled/pkg/middleware"
	"github.com/psantana5/ensembled/pkg/models"
	"github.com/psantana5/ensembled/pkg/shutdown"
	tlsutil "github.com/psantana5/ensembled/pkg/tls"
)

func main() {
	port := flag.String("port", "8080", "Manager port")
	storeType := flag.String("store", "sqlite", "History store backend: memory, sqlite or postgres")
	dbPath := flag.String("db", "ensembled.db", "SQLite database path")
	dsn := flag.String("dsn", "", "PostgreSQL connection string (used with --store postgres)")
	resultsDir := flag.String("results-dir", "./run_results", "Directory for exported run results")
	useTLS := flag.Bool("tls", false, "Enable TLS")
	certFile := flag.String("cert", "certs/manager.crt", "TLS certificate file")
	keyFile := flag.String("key", "certs/manager.key", "TLS key file")
	caFile := flag.String("ca", "", "CA certificate file for mTLS")
	requireClientCert := flag.Bool("mtls", false, "Require client certificate (mTLS)")
	generateCert := flag.Bool("generate-cert", false, "Generate self-signed certificate and exit")
	certSANs := flag.String("cert-sans", "", "Comma-separated IPs or hostnames to include in certificate SANs")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or ENSEMBLED_API_KEY env var; empty disables auth)")
	sweepInterval := flag.Duration("sweep-interval", 5*time.Second, "Sweeper check interval")
	evalLease := flag.Duration("eval-lease", 5*time.Minute, "Max time a worker may hold a leased evaluation")
	runIdle := flag.Duration("run-idle", 30*time.Minute, "Max time a running run may go without activity")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus metrics port")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger, err := logging.NewFileLogger("manager", "manager", logging.ParseLevel(*logLevel), false)
	if err != nil {
		log.Printf("File logging unavailable: %v", err)
		logger = logging.NewLogger(logging.ParseLevel(*logLevel), false)
	}

	log.Println("Starting ensembled manager")
	log.Printf("Port: %s", *port)

	if *generateCert {
		log.Println("Generating self-signed certificate...")
		if err := os.MkdirAll("certs", 0755); err != nil {
			log.Fatalf("Failed to create certs directory: %v", err)
		}
		var sans []string
		for _, san := range strings.Split(*certSANs, ",") {
			san = strings.TrimSpace(san)
			if san != "" {
				sans = append(sans, san)
			}
		}
		if err := tlsutil.GenerateSelfSignedCert(*certFile, *keyFile, "manager", sans...); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		log.Println("Certificate generated successfully")
		log.Printf("  Certificate: %s", *certFile)
		log.Printf("  Key: %s", *keyFile)
		return
	}

	store, err := history.NewStore(history.Config{
		Type: *storeType,
		Path: *dbPath,
		DSN:  *dsn,
	})
	if err != nil {
		log.Fatalf("Failed to open history store: %v", err)
	}
	switch *storeType {
	case "memory":
		log.Println("WARNING: Using in-memory history (data will not persist)")
	default:
		log.Printf("✓ Persistent history enabled (%s)", *storeType)
	}

	apiKey := *apiKeyFlag
	apiKeySource := "command-line flag"
	if apiKey == "" {
		apiKey = os.Getenv("ENSEMBLED_API_KEY")
		apiKeySource = "environment variable"
	}

	handler := api.NewManagerHandler(store)
	handler.SetResultsDir(*resultsDir)
	logger.Info("Manager starting", map[string]interface{}{
		"port":        *port,
		"store":       *storeType,
		"results_dir": *resultsDir,
	})

	monitor := bandwidth.NewMonitor()

	router := mux.NewRouter()
	router.Use(monitor.Middleware)

	if apiKey != "" {
		log.Printf("✓ API authentication enabled (source: %s)", apiKeySource)
		keys := auth.NewAPIKeyManager()
		keys.AddKey(apiKey, "manager api key")
		// Workers register with the shared key, then authenticate with
		// the per-worker token issued in the registration response
		router.Use(middleware.BearerAuth(keys, handler.TokenManager()))

		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				handler.TokenManager().CleanupExpiredTokens()
			}
		}()
	} else {
		log.Println("WARNING: API authentication disabled")
		log.Println("Set ENSEMBLED_API_KEY or use --api-key for production deployments")
	}

	handler.RegisterRoutes(router)

	sweeper := ensemble.NewSweeper(store, *sweepInterval, models.LeaseTimeout{
		EvalLease:      *evalLease,
		RunIdle:        *runIdle,
		DefaultTimeout: *runIdle,
	})
	sweeper.Start()

	srv := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var metricsSrv *http.Server
	if *enableMetrics {
		log.Println("✓ Metrics endpoint enabled")
		exporter := metrics.NewManagerExporter(store, monitor)
		handler.SetMetricsRecorder(exporter)

		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")
		metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
		}).Methods("GET")

		metricsSrv = &http.Server{
			Addr:         ":" + *metricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("Metrics server listening on :%s", *metricsPort)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if *useTLS {
		log.Println("✓ TLS enabled")
		if *requireClientCert {
			log.Println("✓ mTLS enabled - requiring client certificates")
		}

		if _, err := os.Stat(*certFile); os.IsNotExist(err) {
			log.Printf("Certificate file not found: %s", *certFile)
			log.Println("Generating self-signed certificate...")
			if err := os.MkdirAll("certs", 0755); err != nil {
				log.Fatalf("Failed to create certs directory: %v", err)
			}
			if err := tlsutil.GenerateSelfSignedCert(*certFile, *keyFile, "manager"); err != nil {
				log.Fatalf("Failed to generate certificate: %v", err)
			}
			log.Println("✓ Self-signed certificate generated")
		}

		tlsConfig, err := tlsutil.LoadTLSConfig(*certFile, *keyFile, *caFile, *requireClientCert)
		if err != nil {
			log.Fatalf("Failed to load TLS config: %v", err)
		}
		srv.TLSConfig = tlsConfig
	}

	sd := shutdown.New(30 * time.Second)
	sd.Register(shutdown.CloseResource(store, "history store"))
	sd.Register(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	if metricsSrv != nil {
		sd.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	}
	sd.Register(shutdown.StopHTTPServer(srv, "manager"))
	sd.Register(func(ctx context.Context) error {
		return logger.Close()
	})

	go func() {
		log.Printf("Manager listening on :%s", *port)
		log.Println("API endpoints:")
		log.Println("  POST   /workers/register")
		log.Println("  GET    /workers")
		log.Println("  POST   /workers/{id}/heartbeat")
		log.Println("  POST   /runs")
		log.Println("  GET    /runs")
		log.Println("  GET    /runs/{id}/results")
		log.Println("  POST   /runs/{id}/cancel")
		log.Println("  GET    /evals/next?worker_id=<id>")
		log.Println("  POST   /results")
		log.Println("  GET    /health")

		var err error
		if *useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sd.Wait()
	sd.Shutdown()
}
