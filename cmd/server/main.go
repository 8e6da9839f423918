// Package main runs the yield intelligence service: the periodic indexing, discovery,
// event and scoring jobs, and the HTTP API in front of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/yourorg/yield-intel/internal/api"
	"github.com/yourorg/yield-intel/internal/circuitbreaker"
	"github.com/yourorg/yield-intel/internal/config"
	"github.com/yourorg/yield-intel/internal/export"
	"github.com/yourorg/yield-intel/internal/fetch"
	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/otel"
	"github.com/yourorg/yield-intel/internal/pipeline"
	"github.com/yourorg/yield-intel/internal/security"
	"github.com/yourorg/yield-intel/internal/validation"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithError(err).Warn("Failed to read .env")
	}
	setupLogging()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("Server exited")
	}
	logrus.Info("Server stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	reg, err := config.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	seeded, err := st.InsertProtocols(ctx, reg.SeedProtocols())
	if err != nil {
		return fmt.Errorf("seed protocols: %w", err)
	}
	logrus.WithField("added", seeded).Info("Protocol registry seeded")

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer rpc.Close()

	breaker := circuitbreaker.New(circuitbreaker.Thresholds{FailureThreshold: cfg.CircuitFailureThreshold}).
		WithResetDelay(cfg.CircuitResetDelay).
		WithStateChangeCallback(func(from, to circuitbreaker.State) {
			logrus.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("RPC circuit changed state")
		})
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "yield_rpc_circuit_state",
			Help: "RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		func() float64 { return float64(breaker.GetState()) },
	))

	metrics := pipeline.NewMetrics(prometheus.DefaultRegisterer)
	caller := fetch.NewGuardedCaller(rpc, rate.NewLimiter(rate.Limit(cfg.RPCRateLimit), cfg.RPCBurst), breaker)
	dispatcher := fetch.NewDispatcher(caller, cfg.CallTimeout)
	dispatcher.OnDegraded = metrics.Degraded

	locks := ingest.NewPoolLocks()
	ranker := pipeline.NewRanker(st, reg.DefaultRisk, metrics)
	scoreJob := pipeline.NewScoreJob(st, ranker, metrics)
	indexJob := pipeline.NewIndexJob(st, dispatcher, locks, pipeline.IndexOptions{
		Concurrency: cfg.IndexConcurrency,
		BlockTime:   reg.Chain.BlockTime,
	}, metrics)

	jobs := []pipeline.Job{indexJob, scoreJob}
	schedules := map[string]string{
		indexJob.Name(): cfg.IndexSchedule,
		scoreJob.Name(): cfg.ScoreSchedule,
	}
	startup := []string{}

	if cfg.DiscoveryEnabled {
		opts := validation.DefaultValidationOptions()
		opts.MinTVL = cfg.DiscoveryMinTVL
		if cfg.DiscoveryOutlierIQR > 0 {
			opts.EnableOutlierDetection = true
			opts.OutlierIQRMultiplier = cfg.DiscoveryOutlierIQR
		}
		source := fetch.NewDiscoveryClient(cfg.DiscoveryURL, reg, fetch.NewClassifier(reg))
		discovery := pipeline.NewDiscoveryJob(source, ingest.NewReconciler(st, locks, reg.DefaultRisk), opts, scoreJob)
		jobs = append(jobs, discovery)
		schedules[discovery.Name()] = cfg.DiscoverySchedule
		startup = append(startup, discovery.Name())

		if cfg.VaultsFyiAPIKey != "" {
			vaults := fetch.NewVaultsFyiClient(fetch.VaultsFyiConfig{
				BaseURL:   cfg.VaultsFyiURL,
				APIKey:    cfg.VaultsFyiAPIKey,
				MinTVL:    cfg.VaultsFyiMinTVL,
				PageDelay: 300 * time.Millisecond,
			}, reg, fetch.NewClassifier(reg))
			vaultsJob := pipeline.NewDiscoveryJob(vaults, ingest.NewReconciler(st, locks, reg.DefaultRisk), opts, scoreJob).
				Named("discovery-" + vaults.Source())
			jobs = append(jobs, vaultsJob)
			schedules[vaultsJob.Name()] = cfg.VaultsFyiSchedule
			startup = append(startup, vaultsJob.Name())
		}
	}
	startup = append(startup, indexJob.Name())

	if cfg.EventsEnabled {
		markets := make([]common.Address, 0, len(reg.LendingMarkets))
		for _, m := range reg.LendingMarkets {
			markets = append(markets, common.HexToAddress(m.Address))
		}
		source := fetch.NewEventSource(rpc, reg.Chain.ChainID, markets, cfg.EventLookbackBlocks, cfg.EventMaxRange)
		processor := ingest.NewEventProcessor(st, locks, pipeline.RegistryPoolFactory(reg))
		events := pipeline.NewEventJob(st, source, processor, metrics)
		jobs = append(jobs, events)
		schedules[events.Name()] = cfg.EventSchedule
	}

	var signer *security.Signer
	if cfg.SigningKey != "" {
		if signer, err = security.NewSigner(cfg.SigningKey, cfg.SignatureValidity); err != nil {
			return err
		}
	}

	if cfg.ExportWebhookURL != "" {
		exporter, err := export.NewWebhookExporter(export.WebhookConfig{
			URL:    cfg.ExportWebhookURL,
			APIKey: cfg.ExportAPIKey,
		}, signer)
		if err != nil {
			return err
		}
		exportJob := pipeline.NewExportJob(ranker, exporter)
		jobs = append(jobs, exportJob)
		schedules[exportJob.Name()] = cfg.ExportSchedule
	}

	runner := pipeline.NewRunner(pipeline.RunnerOptions{
		Timeout:         cfg.JobTimeout,
		RetryMaxElapsed: cfg.JobRetryMaxElapsed,
	}, metrics, jobs...)

	scheduler := pipeline.NewScheduler(ctx, runner)
	for _, name := range runner.Jobs() {
		if err := scheduler.Add(schedules[name], name); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// a fresh deployment should not wait for the first tick
	go func() {
		for _, name := range startup {
			if err := runner.Run(ctx, name); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
				logrus.WithError(err).WithField("job", name).Warn("Startup run failed")
			}
		}
	}()

	handler := api.New(ctx, st, ranker, runner, api.Options{
		Signer:     signer,
		Breaker:    breaker,
		Registerer: prometheus.DefaultRegisterer,
		RateLimit:  cfg.APIRateLimit,
	})
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"port":      cfg.Port,
		"chain":     reg.Chain.Name,
		"jobs":      runner.Jobs(),
		"discovery": cfg.DiscoveryEnabled,
		"events":    cfg.EventsEnabled,
		"signed":    signer != nil,
	}).Info("Server initialized")

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logrus.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
