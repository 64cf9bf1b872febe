// Package admission provides operating mode controls.
package admission

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// OperatingMode represents the current operating state.
type OperatingMode int32

const (
	ModeNormal OperatingMode = iota
	ModeDegraded
	ModeEmergency
)

func (m OperatingMode) String() string {
	switch m {
	case ModeDegraded:
		return "degraded"
	case ModeEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// HealthThresholds defines thresholds for mode switching.
type HealthThresholds struct {
	StoreUnhealthyFor   time.Duration
	StoreEmergencyAfter time.Duration
}

// HealthController tracks counter-store health for mode switching. The
// mode feeds the fallback limiter: degraded keeps the configured local
// cap, emergency shrinks it.
type HealthController struct {
	mode             atomic.Int32
	store            CounterStore
	thresholds       HealthThresholds
	lastStoreHealthy atomic.Int64
	logger           *zap.Logger
	lastMode         atomic.Int32
}

// NewHealthController constructs a HealthController.
func NewHealthController(store CounterStore, th HealthThresholds, logger *zap.Logger) *HealthController {
	if th.StoreUnhealthyFor == 0 {
		th.StoreUnhealthyFor = 500 * time.Millisecond
	}
	if th.StoreEmergencyAfter == 0 {
		th.StoreEmergencyAfter = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	controller := &HealthController{
		store:      store,
		thresholds: th,
		logger:     logger,
	}
	now := time.Now().UnixNano()
	controller.mode.Store(int32(ModeNormal))
	controller.lastMode.Store(int32(ModeNormal))
	controller.lastStoreHealthy.Store(now)
	return controller
}

// Mode returns the current operating mode.
func (hc *HealthController) Mode() OperatingMode {
	if hc == nil {
		return ModeNormal
	}
	return OperatingMode(hc.mode.Load())
}

// Update refreshes the current operating mode.
func (hc *HealthController) Update(ctx context.Context) {
	if hc == nil {
		return
	}
	now := time.Now()
	healthy := true
	if hc.store != nil {
		healthy = hc.store.Healthy(ctx)
	}
	if healthy {
		hc.lastStoreHealthy.Store(now.UnixNano())
	}

	age := now.Sub(time.Unix(0, hc.lastStoreHealthy.Load()))
	mode := ModeNormal
	if age >= hc.thresholds.StoreUnhealthyFor {
		mode = ModeDegraded
		if age >= hc.thresholds.StoreEmergencyAfter {
			mode = ModeEmergency
		}
	}
	hc.mode.Store(int32(mode))
	prev := OperatingMode(hc.lastMode.Load())
	if prev != mode {
		hc.lastMode.Store(int32(mode))
		hc.logger.Info("operating mode changed",
			zap.String("old", prev.String()),
			zap.String("new", mode.String()),
		)
	}
}

// HealthLoop periodically updates the health controller.
type HealthLoop struct {
	controller *HealthController
	interval   time.Duration
}

// NewHealthLoop constructs a HealthLoop.
func NewHealthLoop(controller *HealthController, interval time.Duration) *HealthLoop {
	return &HealthLoop{controller: controller, interval: interval}
}

// Start begins the health update loop.
func (h *HealthLoop) Start(ctx context.Context) error {
	if h == nil || h.controller == nil {
		return errors.New("health loop is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	interval := h.interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.controller.Update(ctx)
		}
	}
}
