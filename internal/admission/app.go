// Package admission wires application dependencies.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Application holds core components for the service.
type Application struct {
	Config           *Config
	Rules            *RuleSet
	Tiers            *TierTable
	KeyBuilder       *KeyBuilder
	Store            CounterStore
	Breaker          *CircuitBreaker
	FallbackLimiter  *FallbackLimiter
	Adjustments      *AdjustmentSet
	HealthControl    *HealthController
	HealthLoop       *HealthLoop
	QuotaManager     *QuotaManager
	BurstManager     *BurstManager
	EventRecorder    *EventRecorder
	EventDispatcher  *EventDispatcher
	AdmissionHandler *AdmissionHandler
	AdminHandler     *AdminHandler
	RuleSyncWorker   *RuleSyncWorker
	ready            atomic.Bool
	httpTransport    *HTTPTransport
	grpcTransport    *GRPCTransport
	transports       []Transport
	metrics          *InMemoryMetrics
	logger           *zap.Logger
	rdb              *redis.Client
	cancel           context.CancelFunc
	wg               sync.WaitGroup
}

// NewApplication validates configuration and prepares the application.
func NewApplication(cfg *Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("region is required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.Outbox == nil {
		cfg.Outbox = NewInMemoryOutbox()
	}
	if cfg.PubSub == nil {
		cfg.PubSub = NewInMemoryPubSub()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InstanceID != "" {
		logger = logger.With(zap.String("instance", cfg.InstanceID))
	}

	var metrics *InMemoryMetrics
	if mem, ok := cfg.Metrics.(*InMemoryMetrics); ok && mem != nil {
		metrics = mem
	} else {
		metrics = NewInMemoryMetrics()
		cfg.Metrics = metrics
	}

	var store CounterStore
	var rdb *redis.Client
	switch cfg.StoreBackend {
	case StoreBackendMemory:
		store = NewMemoryCounterStore(nil)
	default:
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = NewRedisCounterStore(rdb, WithStorePrefix(cfg.Redis.KeyPrefix))
	}

	rules := NewRuleSet()
	tiers := NewTierTable()
	keys := NewKeyBuilder()
	adjustments := NewAdjustmentSet()
	breaker := NewCircuitBreaker(cfg.BreakerOptions)
	health := NewHealthController(store, cfg.HealthThresh, logger)
	fallback := NewFallbackLimiter(cfg.FallbackPolicy, health.Mode)
	recorder := NewEventRecorder(cfg.Outbox, logger)
	dispatcher := NewEventDispatcher(cfg.Outbox, cfg.PubSub, 50*time.Millisecond, logger)
	resolver := &StaticTierResolver{Tiers: cfg.TierAssignments, DefaultTier: cfg.DefaultTier}
	quota := NewQuotaManager(store, tiers, resolver, recorder, metrics, cfg.Region)
	burst := NewBurstManager(cfg.BurstOptions, adjustments, recorder, metrics, cfg.Region, logger)

	var source RuleSource
	if cfg.RulesPath != "" {
		source = &FileRuleSource{Path: cfg.RulesPath}
	}

	handler := NewAdmissionHandler(rules, keys, store, breaker, fallback, adjustments, quota, burst, recorder, metrics, cfg.Region, logger)
	admin := NewAdminHandler(rules, tiers, source, cfg.TiersPath, burst, logger)
	healthLoop := NewHealthLoop(health, cfg.HealthInterval)

	var syncer *RuleSyncWorker
	if source != nil && cfg.RuleSyncInterval > 0 {
		syncer = NewRuleSyncWorker(source, rules, cfg.RuleSyncInterval, logger)
	}

	app := &Application{
		Config:           cfg,
		Rules:            rules,
		Tiers:            tiers,
		KeyBuilder:       keys,
		Store:            store,
		Breaker:          breaker,
		FallbackLimiter:  fallback,
		Adjustments:      adjustments,
		HealthControl:    health,
		HealthLoop:       healthLoop,
		QuotaManager:     quota,
		BurstManager:     burst,
		EventRecorder:    recorder,
		EventDispatcher:  dispatcher,
		AdmissionHandler: handler,
		AdminHandler:     admin,
		RuleSyncWorker:   syncer,
		metrics:          metrics,
		logger:           logger,
		rdb:              rdb,
	}

	if cfg.EnableHTTP {
		opts := []HTTPTransportOption{
			WithHTTPMetrics(metrics),
			WithHTTPMode(app.Mode),
			WithHTTPLogger(logger),
			WithHTTPRegion(cfg.Region),
			WithHTTPMaxBodyBytes(cfg.MaxBodyBytes),
			WithHTTPTimeouts(cfg.HTTPReadTimeout, cfg.HTTPWriteTimeout, cfg.HTTPIdleTimeout),
			WithHTTPRequestTimeout(cfg.RequestTimeout),
		}
		if cfg.EnableAuth {
			opts = append(opts, WithHTTPAdminAuth(cfg.AdminToken))
		}
		transport := NewHTTPTransport(cfg.HTTPListenAddr, app.Ready, opts...)
		if err := transport.ServeAdmission(app.AdmissionHandler); err != nil {
			return nil, err
		}
		if err := transport.ServeAdmin(app.AdminHandler); err != nil {
			return nil, err
		}
		app.httpTransport = transport
		app.transports = append(app.transports, transport)
	}

	if cfg.EnableGRPC {
		transport := NewGRPCTransport(cfg.GRPCListenAddr, app.Ready, app.Mode, grpcTransportConfig{
			enableAuth: cfg.EnableAuth,
			adminToken: cfg.AdminToken,
			keepAlive:  cfg.GRPCKeepAlive,
			metrics:    metrics,
			region:     cfg.Region,
		})
		if err := transport.ServeAdmission(app.AdmissionHandler); err != nil {
			return nil, err
		}
		if err := transport.ServeAdmin(app.AdminHandler); err != nil {
			return nil, err
		}
		app.grpcTransport = transport
		app.transports = append(app.transports, transport)
	}

	return app, nil
}

// Start begins background work for the application.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if app.Config != nil && app.Config.RulesPath != "" {
		source := &FileRuleSource{Path: app.Config.RulesPath}
		loaded, err := source.LoadAll(ctx)
		if err != nil {
			return err
		}
		if err := app.Rules.ReplaceAll(loaded); err != nil {
			return err
		}
	}
	if app.Config != nil && app.Config.TiersPath != "" {
		allocations, err := LoadTierFile(app.Config.TiersPath)
		if err != nil {
			return err
		}
		if err := app.Tiers.ReplaceAll(allocations); err != nil {
			return err
		}
	}

	if app.EventDispatcher != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.EventDispatcher.Start(ctx)
		}()
	}
	if app.RuleSyncWorker != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.RuleSyncWorker.Start(ctx)
		}()
	}
	if app.HealthLoop != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.HealthLoop.Start(ctx)
		}()
	}
	if app.BurstManager != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.BurstManager.Start(ctx)
		}()
	}
	if app.httpTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.httpTransport.Start()
		}()
	}
	if app.grpcTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.grpcTransport.Start()
		}()
	}

	app.ready.Store(true)

	return nil
}

// Shutdown stops background work for the application.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.ready.Store(false)
	for _, transport := range app.transports {
		if transport == nil {
			continue
		}
		_ = transport.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if app.rdb != nil {
		_ = app.rdb.Close()
	}
	return nil
}

// Ready reports whether the application has completed startup.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load()
}

// Mode returns the current operating mode.
func (app *Application) Mode() OperatingMode {
	if app == nil || app.HealthControl == nil {
		return ModeNormal
	}
	return app.HealthControl.Mode()
}
