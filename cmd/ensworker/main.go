package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/psantana5/ensembled/pkg/agent"
	"github.com/psantana5/ensembled/pkg/logging"
	"github.com/psantana5/ensembled/pkg/metrics"
	"github.com/psantana5/ensembled/pkg/retry"
	"github.com/psantana5/ensembled/pkg/shutdown"
	tlsutil "github.com/psantana5/ensembled/pkg/tls"
)

func main() {
	managerURL := flag.String("manager", "http://localhost:8080", "Manager URL")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "Work polling interval")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "Heartbeat interval")
	leaseSize := flag.Int("lease-size", 1, "Evaluations to lease per poll")
	apiKeyFlag := flag.String("api-key", "", "API key for authentication (or ENSEMBLED_API_KEY env var)")
	certFile := flag.String("cert", "", "Client TLS certificate file (for mTLS)")
	keyFile := flag.String("key", "", "Client TLS key file (for mTLS)")
	caFile := flag.String("ca", "", "CA certificate file to verify the manager")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9091", "Prometheus metrics port")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	log.Println("Starting ensembled worker")
	log.Printf("Manager URL: %s", *managerURL)

	log.Println("Detecting hardware...")
	caps, err := agent.DetectHardware()
	if err != nil {
		log.Fatalf("Failed to detect hardware: %v", err)
	}
	workerType := agent.ClassifyWorker(caps)

	log.Println("Hardware detected:")
	log.Printf("  CPU: %s (%d threads)", caps.CPUModel, caps.CPUThreads)
	log.Printf("  RAM: %d GB", caps.RAMTotalBytes/(1024*1024*1024))
	log.Printf("  Worker Type: %s", workerType)
	log.Printf("  OS/Arch: %s/%s", caps.Labels["os"], caps.Labels["arch"])

	var client *agent.Client
	if *caFile != "" || (*certFile != "" && *keyFile != "") {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(*certFile, *keyFile, *caFile)
		if err != nil {
			log.Fatalf("Failed to load client TLS config: %v", err)
		}
		client = agent.NewClientWithTLS(*managerURL, tlsConfig)
		log.Println("✓ TLS enabled")
	} else {
		client = agent.NewClient(*managerURL)
	}

	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("ENSEMBLED_API_KEY")
	}
	if apiKey != "" {
		client.SetAPIKey(apiKey)
		log.Println("✓ API authentication enabled")
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	log.Println("Registering with manager...")
	reg := agent.Registration(hostname, caps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		worker, err := client.Register(reg)
		if err != nil {
			if retry.IsRetryable(err) {
				log.Printf("Registration failed, will retry: %v", err)
			}
			return err
		}
		log.Printf("✓ Registered successfully!")
		log.Printf("  Worker ID: %s", worker.ID)
		log.Printf("  Status: %s", worker.Status)
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to register with manager: %v", err)
	}

	logger, err := logging.NewFileLogger("worker", client.WorkerID(), logging.ParseLevel(*logLevel), false)
	if err != nil {
		log.Printf("File logging unavailable: %v", err)
		logger = logging.NewLogger(logging.ParseLevel(*logLevel), false)
	}
	logger.Info("Worker registered", map[string]interface{}{
		"worker_id": client.WorkerID(),
		"manager":   *managerURL,
		"type":      string(workerType),
	})

	exporter := metrics.NewWorkerExporter(client.WorkerID())

	var metricsSrv *http.Server
	if *enableMetrics {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", exporter).Methods("GET")

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

	// Heartbeat loop
	go func() {
		ticker := time.NewTicker(*heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.SendHeartbeat(); err != nil {
					log.Printf("Heartbeat failed: %v", err)
				} else {
					exporter.RecordHeartbeat()
				}
			}
		}
	}()

	runner := agent.NewRunner(client, *pollInterval, *leaseSize)
	runner.SetMetrics(exporter)

	log.Println("Starting work polling loop...")
	go runner.Run(ctx)

	sd := shutdown.New(15 * time.Second)
	sd.Register(func(shutdownCtx context.Context) error {
		cancel()
		log.Println("Deregistering from manager...")
		return client.Deregister()
	})
	// Runs before deregistration (LIFO): leased evaluations finish and
	// report before the worker disappears from the manager.
	sd.Register(shutdown.WaitForEvaluations(runner.Idle, 250*time.Millisecond, "in-flight evaluations"))
	if metricsSrv != nil {
		sd.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	}
	sd.Register(func(shutdownCtx context.Context) error {
		return logger.Close()
	})

	sd.Wait()
	sd.Shutdown()

	log.Printf("Worker stopped after %d evaluations", runner.EvalsDone)
}
