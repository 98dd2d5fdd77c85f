package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

var ErrFinalized = errors.New("health: monitoring finalized")

// Lister returns every registered component.
type Lister interface {
	List(ctx context.Context) ([]api.Entry, error)
}

// Keeper polls the registry and keeps the converged global state.
type Keeper struct {
	lister   Lister
	interval time.Duration
	// held across list and store: a stale poll must not overwrite a newer state
	updates sync.Mutex

	mu        sync.RWMutex
	state     api.State
	updatedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	finalized bool
}

// NewKeeper creates a keeper polling every interval once started.
func NewKeeper(lister Lister, interval time.Duration) *Keeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Keeper{lister: lister, interval: interval, state: api.StateUnknown}
}

// GlobalState reduces local states to one value: UNKNOWN when empty or not converged,
// ERROR when any component is down, otherwise the state all components share.
func GlobalState(entries []api.Entry) api.State {
	if len(entries) == 0 {
		return api.StateUnknown
	}
	for _, e := range entries {
		if e.Status != api.StatusUp {
			return api.StateError
		}
	}
	first := entries[0].State
	for _, e := range entries[1:] {
		if e.State != first {
			return api.StateUnknown
		}
	}
	return first
}

// Current returns the last computed global state.
func (k *Keeper) Current() api.State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// UpdatedAt returns when the global state was last recomputed.
func (k *Keeper) UpdatedAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.updatedAt
}

// Update recomputes the global state now.
func (k *Keeper) Update(ctx context.Context) error {
	k.updates.Lock()
	defer k.updates.Unlock()
	entries, err := k.lister.List(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not read local states")
		return fmt.Errorf("health: list components: %w", err)
	}
	state := GlobalState(entries)
	k.mu.Lock()
	prev := k.state
	k.state = state
	k.updatedAt = time.Now()
	k.mu.Unlock()
	if prev != state {
		log.Debug().Str("from", string(prev)).Str("to", string(state)).Int("components", len(entries)).Msg("global state changed")
	}
	return nil
}

// Start begins background polling. Calling it again while running is a no-op.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.finalized {
		return ErrFinalized
	}
	if k.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.poll(ctx, k.done)
	log.Debug().Dur("interval", k.interval).Msg("health monitoring started")
	return nil
}

func (k *Keeper) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = k.Update(ctx)
		}
	}
}

// Finalize stops polling and waits for the poller to exit. It is idempotent.
func (k *Keeper) Finalize() {
	k.mu.Lock()
	if k.finalized {
		k.mu.Unlock()
		return
	}
	k.finalized = true
	cancel, done := k.cancel, k.done
	k.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	log.Debug().Msg("health monitoring finalized")
}

// Finalized reports whether Finalize has been called.
func (k *Keeper) Finalized() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.finalized
}
