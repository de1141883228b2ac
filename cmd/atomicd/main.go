package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/alert"
	"github.com/betbot/atomicexec/internal/controlplane/server"
	"github.com/betbot/atomicexec/internal/execution"
	"github.com/betbot/atomicexec/internal/gateway/paper"
	"github.com/betbot/atomicexec/internal/gateway/rest"
	"github.com/betbot/atomicexec/internal/metrics"
	"github.com/betbot/atomicexec/internal/ports"
	"github.com/betbot/atomicexec/internal/risk"
	"github.com/betbot/atomicexec/internal/stream"
	"github.com/betbot/atomicexec/pkg/config"
	"github.com/betbot/atomicexec/pkg/logger"
	"github.com/betbot/atomicexec/pkg/persistence"
	"github.com/betbot/atomicexec/pkg/ratelimit"
	"github.com/betbot/atomicexec/pkg/shutdown"
)

var log = logrus.WithField("component", "atomicd")

func main() {
	// .env 可选；不存在时直接使用真实环境变量
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", os.Getenv("ATOMICD_CONFIG"), "config file (.yaml/.yml/.json)")
		listen     = flag.String("listen", "", "control plane listen address (overrides server.listen)")
		dryRun     = flag.Bool("dry-run", false, "force the paper gateway")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *dryRun {
		cfg.Gateway.Mode = "paper"
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Errorf("❌ atomicd exited: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sd := shutdown.NewManager()

	store, err := persistence.Open(persistence.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	sd.OnShutdown("store", func(context.Context) error { return store.Close() })
	log.Infof("💾 store opened: driver=%s path=%s", cfg.Store.Driver, cfg.Store.Path)

	gw, subscribe, closeGateway, err := buildGateway(cfg)
	if err != nil {
		sd.Shutdown(context.Background())
		return err
	}
	sd.OnShutdown("gateway", func(context.Context) error { return closeGateway() })

	recorder := alert.NewRecorder(cfg.Alert.History)
	sinks := alert.Fanout{alert.LogSink{}, recorder}
	if cfg.Alert.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alert.WebhookURL, 5*time.Second))
	}

	breaker := risk.NewCircuitBreaker(risk.CircuitBreakerConfig{MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures})
	ex := execution.NewExecutor(gw, buildRiskGate(cfg), store, execution.Config{
		ExecutionWindow: cfg.Executor.ExecutionWindow.Duration,
		RollbackWindow:  cfg.Executor.RollbackWindow.Duration,
		PollInterval:    cfg.Executor.PollInterval.Duration,
		CallTimeout:     cfg.Executor.CallTimeout.Duration,
		Retention:       cfg.Executor.Retention.Duration,
		JanitorInterval: cfg.Executor.JanitorInterval.Duration,
	}, execution.WithAlertSink(sinks), execution.WithCircuitBreaker(breaker))
	subscribe(ex)

	// 推送只是加速，轮询仍然兜底
	if cfg.Gateway.StreamURL != "" {
		fs := stream.NewFillStream(stream.Config{URL: cfg.Gateway.StreamURL, APIKey: cfg.Gateway.APIKey}, ex)
		fs.Start(ctx)
		sd.OnShutdown("fill stream", func(context.Context) error { return fs.Close() })
	}

	// 启动时必须先恢复所有未完成的组，之后才允许新建
	report, err := ex.Recover(ctx)
	if err != nil {
		sd.Shutdown(context.Background())
		return fmt.Errorf("recovery: %w", err)
	}
	log.Infof("🔁 recovery finished: resolved=%d failed=%d", len(report.Outcomes), len(report.Failed))

	ex.Start(ctx)
	sd.OnShutdown("executor janitor", func(context.Context) error { ex.Stop(); return nil })

	if cfg.Metrics.Listen != "" {
		msrv, err := metrics.StartAsync(ctx, cfg.Metrics.Listen)
		if err != nil {
			log.Warnf("⚠️ metrics server not started: %v", err)
		} else {
			sd.OnShutdown("metrics server", msrv.Shutdown)
		}
	}

	if cfg.Server.Listen != "" {
		cp, err := server.New(server.Config{Executor: ex, Alerts: recorder, Health: store.Ping})
		if err != nil {
			sd.Shutdown(context.Background())
			return err
		}
		httpSrv := &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           cp.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("🚀 control plane listening on %s", cfg.Server.Listen)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("control plane server error: %v", err)
				cancel()
			}
		}()
		sd.OnShutdown("control plane", httpSrv.Shutdown)
	}

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case sig := <-stopCh:
		log.Infof("received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	sd.Shutdown(sctx)
	cancel()
	log.Infof("👋 atomicd stopped")
	return nil
}

// buildGateway 按模式构造券商网关，返回推送订阅函数与关闭函数
func buildGateway(cfg *config.Config) (ports.BrokerGateway, func(ports.FillEventHandler), func() error, error) {
	switch strings.ToLower(cfg.Gateway.Mode) {
	case "rest":
		var limiter ratelimit.Limiter
		if cfg.Gateway.RateLimit.RefillPerSecond > 0 {
			limiter = ratelimit.NewTokenBucket(cfg.Gateway.RateLimit.Capacity, cfg.Gateway.RateLimit.RefillPerSecond)
		}
		gw, err := rest.New(rest.Config{
			BaseURL: cfg.Gateway.BaseURL,
			APIKey:  cfg.Gateway.APIKey,
			Timeout: cfg.Gateway.Timeout.Duration,
			Retries: 2,
			Limiter: limiter,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		log.Infof("🔌 rest gateway: %s", cfg.Gateway.BaseURL)
		return gw, func(ports.FillEventHandler) {}, func() error { return nil }, nil
	default:
		b := paper.New(paper.Config{
			FillLatency:           cfg.Gateway.Paper.FillLatency.Duration,
			RejectInstruments:     cfg.Gateway.Paper.RejectInstruments,
			UntradableInstruments: cfg.Gateway.Paper.UntradableInstruments,
			NeverFillInstruments:  cfg.Gateway.Paper.NeverFillInstruments,
		})
		log.Infof("📝 [纸交易] paper gateway enabled")
		return b, b.Subscribe, b.Close, nil
	}
}

func buildRiskGate(cfg *config.Config) ports.RiskGate {
	chain := risk.Chain{risk.Limits{
		MaxLegs:            cfg.Risk.MaxLegs,
		MaxLegQuantity:     cfg.Risk.MaxLegQuantity,
		BlockedInstruments: cfg.Risk.BlockedInstruments,
	}}
	if cfg.Risk.RemoteURL != "" {
		chain = append(chain, risk.NewRemoteGate(cfg.Risk.RemoteURL, cfg.Risk.RemoteTimeout.Duration))
	}
	return chain
}
