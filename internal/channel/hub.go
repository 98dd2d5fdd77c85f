package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/cosimctl/pkg/api"
)

var (
	ErrClosed       = errors.New("channel: hub closed")
	ErrNoEndpoint   = errors.New("channel: endpoint name required")
	ErrEndpointFull = errors.New("channel: endpoint queue full")
)

// Communicator is reliable point-to-point messaging over named endpoints.
// Implementations log transport failures where they occur.
type Communicator interface {
	Send(ctx context.Context, msg api.Message, endpoint string) error
	Receive(ctx context.Context, endpoint string) (api.Message, error)
}

// DefaultQueueSize is the per-endpoint buffer of a Hub.
const DefaultQueueSize = 64

// Hub is an in-process Communicator: one buffered FIFO queue per endpoint name,
// created on first use.
type Hub struct {
	mu     sync.Mutex
	queues map[string]chan api.Message
	size   int
	closed chan struct{}
	once   sync.Once
}

var _ Communicator = (*Hub)(nil)

// NewHub creates a hub whose queues buffer up to size messages.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Hub{
		queues: make(map[string]chan api.Message),
		size:   size,
		closed: make(chan struct{}),
	}
}

func (h *Hub) queue(endpoint string) (chan api.Message, error) {
	if endpoint == "" {
		return nil, ErrNoEndpoint
	}
	select {
	case <-h.closed:
		return nil, ErrClosed
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[endpoint]
	if !ok {
		q = make(chan api.Message, h.size)
		h.queues[endpoint] = q
	}
	return q, nil
}

// Send enqueues msg on endpoint. It fails instead of blocking when the queue is full.
func (h *Hub) Send(ctx context.Context, msg api.Message, endpoint string) error {
	q, err := h.queue(endpoint)
	if err != nil {
		log.Error().Err(err).Str("endpoint", endpoint).Str("message", msg.String()).Msg("send failed")
		return err
	}
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		log.Error().Err(ctx.Err()).Str("endpoint", endpoint).Msg("send cancelled")
		return ctx.Err()
	default:
		err := fmt.Errorf("%w: %s", ErrEndpointFull, endpoint)
		log.Error().Err(err).Str("message", msg.String()).Msg("send failed")
		return err
	}
}

// Receive blocks until a message is available on endpoint, ctx is done or the hub closes.
func (h *Hub) Receive(ctx context.Context, endpoint string) (api.Message, error) {
	q, err := h.queue(endpoint)
	if err != nil {
		log.Error().Err(err).Str("endpoint", endpoint).Msg("receive failed")
		return api.Message{}, err
	}
	select {
	case msg := <-q:
		return msg, nil
	case <-ctx.Done():
		return api.Message{}, ctx.Err()
	case <-h.closed:
		return api.Message{}, ErrClosed
	}
}

// Pending returns the number of queued messages on endpoint.
func (h *Hub) Pending(endpoint string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues[endpoint])
}

// Close wakes all receivers and rejects further traffic.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.closed) })
}
