package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

type fakeLister struct {
	mu      sync.Mutex
	entries []api.Entry
	err     error
	calls   int
}

func (f *fakeLister) List(ctx context.Context) ([]api.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]api.Entry(nil), f.entries...), f.err
}

func (f *fakeLister) set(entries ...api.Entry) {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
}

func (f *fakeLister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func up(state api.State) api.Entry { return api.Entry{Status: api.StatusUp, State: state} }

func TestGlobalState(t *testing.T) {
	tests := []struct {
		name    string
		entries []api.Entry
		want    api.State
	}{
		{"empty", nil, api.StateUnknown},
		{"converged", []api.Entry{up(api.StateReady), up(api.StateReady)}, api.StateReady},
		{"single", []api.Entry{up(api.StateRunning)}, api.StateRunning},
		{"diverged", []api.Entry{up(api.StateReady), up(api.StateSynchronizing)}, api.StateUnknown},
		{"down", []api.Entry{up(api.StateReady), {Status: api.StatusDown, State: api.StateReady}}, api.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GlobalState(tt.entries); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	l := &fakeLister{}
	l.set(up(api.StateReady), up(api.StateReady))
	k := NewKeeper(l, time.Hour)
	if k.Current() != api.StateUnknown {
		t.Fatalf("expected UNKNOWN before first update")
	}
	if err := k.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if k.Current() != api.StateReady {
		t.Fatalf("expected READY, got %s", k.Current())
	}
	if k.UpdatedAt().IsZero() {
		t.Fatalf("expected update time")
	}
	l.err = errors.New("db gone")
	if err := k.Update(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if k.Current() != api.StateReady {
		t.Fatalf("failed update must keep last state, got %s", k.Current())
	}
}

func TestStartPollsAndFinalizeStops(t *testing.T) {
	l := &fakeLister{}
	l.set(up(api.StateRunning))
	k := NewKeeper(l, 5*time.Millisecond)
	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := k.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for k.Current() != api.StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if k.Current() != api.StateRunning {
		t.Fatalf("poller did not update state")
	}
	k.Finalize()
	k.Finalize()
	if !k.Finalized() {
		t.Fatalf("expected finalized")
	}
	calls := l.count()
	time.Sleep(30 * time.Millisecond)
	if l.count() != calls {
		t.Fatalf("poller kept running after Finalize")
	}
	if err := k.Start(context.Background()); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
}
