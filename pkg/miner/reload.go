package miner

import (
	"context"
	"time"

	"github.com/psantana5/sd-fleet/pkg/client"
	"github.com/psantana5/sd-fleet/pkg/logging"
)

// SignalClient is the slice of the scheduler client the reload scheduler
// needs.
type SignalClient interface {
	RequestReloadSignal(ctx context.Context, minerID string, excludeSDXL bool) client.SignalOutcome
}

// ReloadScheduler gates reload-signal negotiation behind a timer. The timer
// advances only when a new assignment was successfully applied; failed or
// no-op signal calls leave it untouched, so the worker retries on the next
// tick instead of waiting out a full interval.
type ReloadScheduler struct {
	minerID     string
	excludeSDXL bool
	interval    time.Duration

	client   SignalClient
	registry ModelRegistry
	loader   ModelLoader
	log      *logging.Logger

	lastSignalTime time.Time
}

// NewReloadScheduler creates a scheduler whose first signal attempt happens
// one full interval after start.
func NewReloadScheduler(minerID string, excludeSDXL bool, interval time.Duration,
	signalClient SignalClient, registry ModelRegistry, loader ModelLoader,
	log *logging.Logger, start time.Time) *ReloadScheduler {
	return &ReloadScheduler{
		minerID:        minerID,
		excludeSDXL:    excludeSDXL,
		interval:       interval,
		client:         signalClient,
		registry:       registry,
		loader:         loader,
		log:            log,
		lastSignalTime: start,
	}
}

// LastSignalTime returns when an assignment was last applied.
func (s *ReloadScheduler) LastSignalTime() time.Time {
	return s.lastSignalTime
}

// Tick runs one reload check. Eligible once now-lastSignalTime reaches the
// interval; even with nothing loaded at all the signal call is still
// attempted.
func (s *ReloadScheduler) Tick(ctx context.Context, now time.Time) {
	if now.Sub(s.lastSignalTime) < s.interval {
		return
	}

	if len(s.registry.LoadedAdapters()) == 0 && len(s.registry.LoadedModels()) == 0 {
		s.log.Warningf("No loaded models found. Posting to miner_signal to load a new model.")
	}

	outcome := s.client.RequestReloadSignal(ctx, s.minerID, s.excludeSDXL)
	if outcome.Err != nil {
		s.log.Errorf("Failed to get a valid response from /miner_signal for miner_id %s: %v", s.minerID, outcome.Err)
		return
	}
	if !outcome.Assigned {
		return
	}

	if !s.applicable(outcome.ModelID) {
		return
	}

	if err := s.loader.Reload(ctx, outcome.ModelID); err != nil {
		s.log.Errorf("Failed to reload model %s: %v", outcome.ModelID, err)
		return
	}

	s.log.Infof("Reloaded model %s on signal from scheduler.", outcome.ModelID)
	s.lastSignalTime = now
}

// applicable reports whether an assignment should be acted on: present in
// local storage and not already the active model or adapter.
func (s *ReloadScheduler) applicable(modelID string) bool {
	if !contains(s.registry.LocalModelIDs(), modelID) {
		return false
	}
	if contains(s.registry.LoadedModels(), modelID) {
		return false
	}
	if contains(s.registry.LoadedAdapters(), modelID) {
		return false
	}
	return true
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
