package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lieyan666/FireProxy/pkg/api"
	"github.com/lieyan666/FireProxy/pkg/config"
	"github.com/lieyan666/FireProxy/pkg/forward"
	"github.com/lieyan666/FireProxy/pkg/health"
	"github.com/lieyan666/FireProxy/pkg/logger"
	"github.com/lieyan666/FireProxy/pkg/monitor"
	"github.com/lieyan666/FireProxy/pkg/pool"
	"github.com/lieyan666/FireProxy/pkg/stats"
	"github.com/lieyan666/FireProxy/pkg/storage"
)

const version = "2.0.0"

// shutdownTimeout bounds the API drain on exit
const shutdownTimeout = 10 * time.Second

// Run boots the proxy and blocks until a termination signal. Returns
// the process exit code: 0 on clean shutdown, non-zero on
// configuration failure.
func Run() int {
	rulesPath := flag.String("rules", "fireproxy.json", "Forwarding rules file (JSON)")
	configPath := flag.String("config", "", "App config file path (YAML, optional)")
	logLevel := flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	logFormat := flag.String("log-format", "", "Log format: text or json")
	flag.Parse()

	// Bootstrap logger so config failures are reported in shape
	logger.Init(logger.InfoLevel, "text")
	log := logger.Get()

	log.InfoWith("fireproxy starting", "version", version)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.ErrorWithErr("failed to load configuration", err)
		return 1
	}

	// Command-line flags win over the config file
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	logger.Init(logger.LogLevel(cfg.Logging.Level), cfg.Logging.Format)
	log = logger.Get()

	rules, err := config.LoadRules(*rulesPath)
	if err != nil {
		log.ErrorWithErr("failed to load forwarding rules", err, "path", *rulesPath)
		return 1
	}

	log.InfoWith("configuration loaded", "rules", len(rules), "config", cfg.String())

	registry := stats.NewRegistry()
	healthMon := health.NewMonitor()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		log.WarnWith("stats store unavailable, continuing without persistence", "error", err)
	}

	deps := forward.BindDeps{
		Log:        log,
		PoolConfig: poolConfig(cfg.Pool),
		UDPConfig:  udpConfig(cfg.UDP),
	}

	var ruleSets []*forward.RuleSet
	for _, rule := range rules {
		if !rule.Active() {
			log.DebugWith("skipping inactive rule", "rule", rule.ID, "name", rule.Name)
			continue
		}

		rs, err := forward.Bind(rule, deps)
		if err != nil {
			// One bad rule never aborts startup
			log.ErrorWithErr("rule rejected", err, "rule", rule.ID)
			healthMon.SetComponentStatus(ruleComponent(rule.ID), health.StatusDegraded, err.Error())
			continue
		}

		for _, fw := range rs.Forwarders {
			registry.Register(fw.ID(), fw)
		}
		healthMon.SetComponentStatus(ruleComponent(rule.ID), health.StatusHealthy,
			fmt.Sprintf("%d forwarder(s) bound", len(rs.Forwarders)))
		ruleSets = append(ruleSets, rs)
	}

	if len(ruleSets) == 0 {
		log.WarnWith("no active rules bound, serving nothing")
	}

	perfMon := monitor.NewMonitor(registry, store, time.Duration(cfg.Monitor.IntervalSeconds)*time.Second, log)
	if cfg.Monitor.Enabled {
		perfMon.Start()
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.NewServer(cfg.API.Address, registry, healthMon, rules, log)
		apiSrv.Start()
	}

	// Graceful shutdown on interrupt or terminate
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.InfoWith("received signal, shutting down", "signal", sig.String())

	if apiSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := apiSrv.Shutdown(ctx); err != nil {
			log.ErrorWithErr("error during api shutdown", err)
		}
		cancel()
	}

	if cfg.Monitor.Enabled {
		perfMon.Stop()
	}

	for _, rs := range ruleSets {
		for _, fw := range rs.Forwarders {
			registry.Unregister(fw.ID())
		}
		rs.Stop()
	}

	if store != nil {
		if err := store.Close(); err != nil {
			log.WarnWith("error closing stats store", "error", err)
		}
	}

	log.InfoWith("fireproxy stopped")
	return 0
}

func ruleComponent(id int) string {
	return fmt.Sprintf("rule_%d", id)
}

// poolConfig maps file configuration onto pool tuning
func poolConfig(c config.PoolConfig) pool.Config {
	return pool.Config{
		MinPoolSize:        c.MinPoolSize,
		MaxPoolSize:        c.MaxPoolSize,
		InitialPoolSize:    c.InitialPoolSize,
		ScaleUpThreshold:   c.ScaleUpThreshold,
		ScaleDownThreshold: c.ScaleDownThreshold,
		ScaleUpStep:        c.ScaleUpStep,
		ScaleDownStep:      c.ScaleDownStep,
		ConnectTimeout:     time.Duration(c.ConnectTimeoutSeconds) * time.Second,
		KeepAliveInterval:  time.Duration(c.KeepAliveSeconds) * time.Second,
		IdleTimeout:        time.Duration(c.IdleTimeoutSeconds) * time.Second,
		ScaleInterval:      time.Duration(c.ScaleIntervalSeconds) * time.Second,
		SocketBuffer:       c.SocketBufferBytes,
	}
}

// udpConfig maps file configuration onto UDP forwarder tuning
func udpConfig(c config.UDPConfig) forward.UDPConfig {
	return forward.UDPConfig{
		ClientTimeout:   time.Duration(c.ClientTimeoutSeconds) * time.Second,
		CleanupInterval: time.Duration(c.CleanupIntervalSeconds) * time.Second,
		SocketBuffer:    c.SocketBufferBytes,
	}
}
