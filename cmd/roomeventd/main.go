// Command roomeventd runs the event service: config load, storage and
// broker connections, every component service, both ingress transports, and
// graceful SIGTERM drain, following the teacher's setup/process.ProcessContext
// shutdown convention.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vstream/roomevents/adjust"
	"github.com/vstream/roomevents/edition"
	"github.com/vstream/roomevents/ingest"
	"github.com/vstream/roomevents/internal/authn"
	"github.com/vstream/roomevents/internal/caching"
	"github.com/vstream/roomevents/internal/config"
	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/metrics"
	"github.com/vstream/roomevents/internal/process"
	"github.com/vstream/roomevents/internal/sentryreport"
	"github.com/vstream/roomevents/presence"
	"github.com/vstream/roomevents/stateread"
	"github.com/vstream/roomevents/storage/postgres"
	"github.com/vstream/roomevents/transport/broker"
	"github.com/vstream/roomevents/transport/gateway"
	"github.com/vstream/roomevents/transport/httpapi"
	"github.com/vstream/roomevents/transport/mqttapi"
	"github.com/vstream/roomevents/worker"
)

var log = logging.For("main")

func main() {
	if err := run(); err != nil {
		log.WithError(err).Error("roomeventd: fatal startup error")
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("ROOMEVENTD_CONFIG")
	if cfgPath == "" {
		cfgPath = "roomeventd.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := sentryreport.Init(cfg.Sentry); err != nil {
		return fmt.Errorf("init sentry: %w", err)
	}

	metrics.MustRegister()

	db, err := postgres.Open(cfg.DatabaseURL, "", cfg.PrimaryPool.MaxOpenConns, cfg.ReplicaPool.MaxOpenConns, cfg.PrimaryPool.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pub, conn, err := broker.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer conn.Close()

	proc := process.NewContext()

	presenceSvc := &presence.Service{DB: db, Broker: pub, Sessions: caching.NewSessionCache(30*time.Second, time.Minute)}
	ingestSvc := &ingest.Service{DB: db, Broker: pub, Presence: presenceSvc, MaxPayloadBytes: cfg.Constraint.PayloadSize}
	stateSvc := &stateread.Service{DB: db}
	adjustEngine := &adjust.Engine{DB: db, Broker: pub, MinSegmentLength: cfg.Adjust.MinSegmentLength}
	editionEngine := &edition.Engine{DB: db, Broker: pub, MinSegmentLength: cfg.Adjust.MinSegmentLength}
	pool := worker.NewPool(proc, cfg.WorkerPoolSize)

	gw := &gateway.Gateway{
		DB: db, Broker: pub, Ingest: ingestSvc, State: stateSvc, Presence: presenceSvc,
		Adjust: adjustEngine, Edition: editionEngine, Workers: pool,
	}

	verifier := authn.NewVerifier(cfg.Authn)

	httpSrv := &httpapi.Server{Gateway: gw, Authn: verifier, RequestDeadline: cfg.RequestDeadline}
	mux := http.NewServeMux()
	mux.Handle("/api/", httpSrv.Router())
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	proc.ComponentStarted()
	go func() {
		defer proc.ComponentFinished()
		log.WithField("addr", cfg.HTTPAddr).Info("roomeventd: http listener starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("roomeventd: http listener failed")
		}
	}()

	mqttSrv := &mqttapi.Server{Gateway: gw, Authn: verifier, RequestDeadline: cfg.RequestDeadline}
	if err := mqttSrv.Connect(cfg.MQTT); err != nil {
		return fmt.Errorf("connect mqtt: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	log.Info("roomeventd: shutdown signal received, draining")
	proc.Shutdown()
	mqttSrv.Close()
	_ = server.Close()
	proc.WaitForShutdown()
	sentryreport.Flush(2 * time.Second)

	return nil
}
