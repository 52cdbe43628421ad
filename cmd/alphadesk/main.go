// Command alphadesk wires the full decision-support stack together and
// answers queries from the command line. One-shot mode with -query, or an
// interactive loop reading queries from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/alphadeskhq/alphadesk/internal/agent"
	"github.com/alphadeskhq/alphadesk/internal/agents"
	"github.com/alphadeskhq/alphadesk/internal/alpha"
	"github.com/alphadeskhq/alphadesk/internal/audit"
	"github.com/alphadeskhq/alphadesk/internal/bus"
	"github.com/alphadeskhq/alphadesk/internal/cache"
	"github.com/alphadeskhq/alphadesk/internal/config"
	"github.com/alphadeskhq/alphadesk/internal/llm"
	"github.com/alphadeskhq/alphadesk/internal/market"
	"github.com/alphadeskhq/alphadesk/internal/metrics"
	"github.com/alphadeskhq/alphadesk/internal/orchestrator"
	"github.com/alphadeskhq/alphadesk/internal/resilience"
	"github.com/alphadeskhq/alphadesk/internal/risk"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	query := flag.String("query", "", "One-shot query; empty starts an interactive loop")
	ticker := flag.String("ticker", "", "Ticker hint for the query")
	stream := flag.Bool("stream", false, "Stream the answer as it is generated")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log := config.NewLogger("alphadesk")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Startup failed")
	}
	defer app.close()

	if *query != "" {
		if err := app.answer(ctx, *query, *ticker, *stream); err != nil {
			log.Error().Err(err).Msg("Query failed")
			os.Exit(1)
		}
		return
	}

	app.interactive(ctx, *ticker, *stream)
}

// app holds everything with a shutdown obligation plus the orchestrator.
type app struct {
	orch    *orchestrator.Orchestrator
	writer  *alpha.TelemetryWriter
	store   alpha.Store
	bus     *bus.Bus
	bridge  *bus.NATSBridge
	audit   *audit.Log
	metrics *metrics.Server
	log     zerolog.Logger
}

func build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{log: log}

	// Alpha store: ClickHouse when a DSN is configured, in-memory otherwise.
	if cfg.Alpha.ClickHouseDSN != "" {
		store, err := alpha.NewClickHouseStore(cfg.Alpha.ClickHouseDSN)
		if err != nil {
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("clickhouse migrate: %w", err)
		}
		a.store = store
	} else {
		a.store = alpha.NewMemoryStore()
		log.Info().Msg("No ClickHouse DSN configured, alpha telemetry is in-memory only")
	}
	a.writer = alpha.NewTelemetryWriter(a.store, cfg.Alpha.BatchSize,
		time.Duration(cfg.Alpha.FlushIntervalMS)*time.Millisecond)

	auditLog, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("audit log: %w", err)
	}
	a.audit = auditLog

	a.bus = bus.New()
	policies, err := loadPolicies(cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("governance: %w", err)
	}
	governor := bus.NewGovernor(a.bus, policies).Exempt(orchestrator.Name)

	if cfg.NATS.URL != "" {
		bridge, err := bus.NewNATSBridge(cfg.NATS.URL, cfg.App.Name)
		if err != nil {
			log.Warn().Err(err).Msg("NATS bridge unavailable, events stay in-process")
		} else {
			bridge.Attach(a.bus)
			a.bridge = bridge
		}
	}

	if cfg.Monitoring.EnableMetrics {
		a.metrics = metrics.NewServer(cfg.Monitoring.PrometheusPort, log)
		go func() {
			if err := a.metrics.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	c, err := buildCache(cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}

	breakers := resilience.NewRegistryFromConfig(cfg)

	// No live broker or data vendor is wired here; the synthetic bars
	// provider and the position-price fallback keep the pipeline useful
	// for development, and real providers slot into the same ports.
	providers := market.ProviderSet{
		Quotes: []market.QuoteProvider{market.NewBrokerPositionPrice(c)},
		Bars:   []market.BarsProvider{market.NewSyntheticBars()},
		Search: market.NewStaticSearcher(nil),
	}
	fabricator := market.NewFabricator(providers, breakers, c, cfg)

	router := llm.NewRoutingClient(cfg)
	reasoner := llm.NewReasoningClient(cfg)
	riskClient := llm.NewRiskClient(cfg)

	registry := agent.NewRegistry()
	for _, s := range []agent.Specialist{
		agents.NewQuant(),
		agents.NewForecaster(nil),
		agents.NewPortfolio(nil, c),
		agents.NewResearch(nil),
		agents.NewSocial(nil),
		agents.NewWhale(nil),
		agents.NewGoalPlanner(),
		agents.NewMathGenerator(reasoner),
	} {
		if ac, ok := cfg.Agents[s.Name()]; ok && !ac.Enabled {
			log.Info().Str("agent", s.Name()).Msg("Specialist disabled by config")
			continue
		}
		registry.Add(agent.NewEnvelope(s, c, governor, a.writer, cfg))
	}

	attributor := alpha.NewAttributor(a.store, a.bus.History, cfg.Orchestrator.AttributionDelay())

	a.orch = orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Registry:   registry,
		Fabricator: fabricator,
		Router:     router,
		Reasoner:   reasoner,
		Critic:     risk.NewManager(riskClient, cfg.Risk),
		Evaluator:  risk.NewEvaluator(cfg.ACE),
		Sender:     governor,
		Store:      a.store,
		Attributor: attributor,
		AuditLog:   auditLog,
		Searcher:   providers.Search,
		Tools: map[string]orchestrator.Tool{
			"search_instruments":      orchestrator.SearchInstrumentsTool(providers.Search),
			"get_agent_alpha_metrics": orchestrator.AlphaMetricsTool(a.store),
		},
	})

	return a, nil
}

func buildCache(cfg *config.Config, log zerolog.Logger) (cache.Cache, error) {
	if cfg.Cache.RedisURL == "" {
		return cache.NewMemory(), nil
	}
	opts, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	log.Info().Str("addr", opts.Addr).Msg("Using Redis cache")
	return cache.NewRedis(redis.NewClient(opts)), nil
}

func loadPolicies(cfg *config.Config) ([]bus.Policy, error) {
	if cfg.Governance.PolicyFile != "" {
		return bus.LoadPolicyFile(cfg.Governance.PolicyFile)
	}
	var policies []bus.Policy
	for name, p := range cfg.Governance.Policies {
		policies = append(policies, bus.Policy{
			Name:              name,
			Capabilities:      p.Capabilities,
			AllowedRecipients: p.AllowedRecipients,
		})
	}
	return policies, nil
}

func (a *app) answer(ctx context.Context, query, ticker string, stream bool) error {
	req := orchestrator.Request{Query: query, Ticker: ticker}

	if stream {
		ch, err := a.orch.RunStream(ctx, req)
		if err != nil {
			return err
		}
		for chunk := range ch {
			if chunk.Err != nil {
				return chunk.Err
			}
			fmt.Print(chunk.Delta)
		}
		fmt.Println()
		return nil
	}

	answer, err := a.orch.Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(answer.Content)
	return nil
}

func (a *app) interactive(ctx context.Context, ticker string, stream bool) {
	fmt.Println("alphadesk ready. Type a query, or 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit":
			return
		}
		if err := a.answer(ctx, line, ticker, stream); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error().Err(err).Msg("Query failed")
		}
	}
}

func (a *app) close() {
	if a.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.metrics.Shutdown(shutdownCtx)
		cancel()
	}
	if a.bridge != nil {
		a.bridge.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.writer != nil {
		a.writer.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
