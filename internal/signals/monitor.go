package signals

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrAlarm       = errors.New("signals: alarm raised")
	ErrInterrupted = errors.New("signals: interrupted")
	ErrTerminated  = errors.New("signals: terminated")
	ErrFinalized   = errors.New("signals: monitoring finalized")
)

// Monitor turns SIGINT, SIGTERM, SIGALRM and an optional alarm timeout into one
// in-process interruption of the control loop.
type Monitor struct {
	timeout time.Duration
	alarm   chan struct{}

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	finalized bool
}

// NewMonitor creates a monitor; a positive timeout raises the alarm once it elapses
// after Start.
func NewMonitor(timeout time.Duration) *Monitor {
	return &Monitor{timeout: timeout, alarm: make(chan struct{}, 1)}
}

// Start watches for signals until ctx is done or Finalize is called. interrupt receives
// the cause of every trigger.
func (m *Monitor) Start(ctx context.Context, interrupt func(cause error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return ErrFinalized
	}
	if m.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGALRM)
	go m.watch(ctx, sigc, interrupt, m.done)
	log.Debug().Dur("timeout", m.timeout).Msg("alarm monitoring started")
	return nil
}

func (m *Monitor) watch(ctx context.Context, sigc chan os.Signal, interrupt func(error), done chan struct{}) {
	defer close(done)
	defer signal.Stop(sigc)

	var timeout <-chan time.Time
	if m.timeout > 0 {
		t := time.NewTimer(m.timeout)
		defer t.Stop()
		timeout = t.C
	}
	for {
		var cause error
		select {
		case <-ctx.Done():
			return
		case sig := <-sigc:
			cause = causeOf(sig)
			log.Warn().Str("signal", sig.String()).Msg("signal received")
		case <-m.alarm:
			cause = ErrAlarm
			log.Warn().Msg("alarm raised")
		case <-timeout:
			cause = ErrAlarm
			log.Warn().Dur("timeout", m.timeout).Msg("run timed out")
		}
		interrupt(cause)
	}
}

func causeOf(sig os.Signal) error {
	switch sig {
	case syscall.SIGINT:
		return ErrInterrupted
	case syscall.SIGTERM:
		return ErrTerminated
	default:
		return ErrAlarm
	}
}

// Alarm raises the alarm event from inside the process.
func (m *Monitor) Alarm() {
	select {
	case m.alarm <- struct{}{}:
	default:
	}
}

// Finalize stops watching and restores default signal handling. It is idempotent.
func (m *Monitor) Finalize() {
	m.mu.Lock()
	if m.finalized {
		m.mu.Unlock()
		return
	}
	m.finalized = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// RaiseTerminate delivers SIGTERM to the current process.
func RaiseTerminate() error {
	return syscall.Kill(os.Getpid(), syscall.SIGTERM)
}
