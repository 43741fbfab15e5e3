package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partsdesk/consoleguard/internal/httputil"
	"github.com/partsdesk/consoleguard/internal/limiter"
	"github.com/partsdesk/consoleguard/internal/metrics"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// StatsStreamEvent is one guard decision as pushed to live dashboards.
type StatsStreamEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id,omitempty"`
	Scope             string    `json:"scope,omitempty"`
	Identifier        string    `json:"identifier"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	Allowed           bool      `json:"allowed"`
	Limit             int64     `json:"limit,omitempty"`
	Remaining         int64     `json:"remaining"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	Status            int       `json:"status"`
}

// StreamFilter selects the events a subscriber receives. The zero value
// passes everything.
type StreamFilter struct {
	// Scope keeps only events counted under this sanitized scope key.
	Scope string
	// BlockedOnly keeps only rejected requests.
	BlockedOnly bool
}

func (f StreamFilter) pass(e StatsStreamEvent) bool {
	if f.BlockedOnly && e.Allowed {
		return false
	}
	return f.Scope == "" || f.Scope == e.Scope
}

type subscriber struct {
	ch     chan StatsStreamEvent
	filter StreamFilter
	missed atomic.Int64
}

// StatsStreamBroker fans decisions out to live subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type StatsStreamBroker struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	nextID     uint64
	bufferSize int
}

// NewStatsStreamBroker creates a broker whose subscribers buffer up to
// bufferSize events (64 when not positive).
func NewStatsStreamBroker(bufferSize int) *StatsStreamBroker {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &StatsStreamBroker{
		subs:       make(map[uint64]*subscriber),
		bufferSize: bufferSize,
	}
}

// Publish delivers event to every subscriber whose filter passes it.
func (b *StatsStreamBroker) Publish(event StatsStreamEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.filter.pass(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.missed.Add(1)
		}
	}
}

// Subscribe receives every event. The returned cancel func closes the
// channel and is safe to call more than once.
func (b *StatsStreamBroker) Subscribe() (<-chan StatsStreamEvent, func()) {
	return b.SubscribeFiltered(StreamFilter{})
}

// SubscribeFiltered receives events that pass filter.
func (b *StatsStreamBroker) SubscribeFiltered(filter StreamFilter) (<-chan StatsStreamEvent, func()) {
	s := &subscriber{ch: make(chan StatsStreamEvent, b.bufferSize), filter: filter}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			close(s.ch)
			if missed := s.missed.Load(); missed > 0 {
				slog.Debug("api: stream subscriber missed events", "missed", missed)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *StatsStreamBroker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// StatsStreamHandler pushes decisions to WebSocket clients as JSON messages.
//
//	GET /api/stats/stream[?scope=<key>][&blocked=true]
type StatsStreamHandler struct {
	broker       *StatsStreamBroker
	upgrader     websocket.Upgrader
	metrics      *metrics.Metrics
	pingInterval time.Duration
}

// StreamOption configures optional StatsStreamHandler behavior.
type StreamOption func(*StatsStreamHandler)

// WithAllowedOrigins restricts the browser origins allowed to connect.
// Requests without an Origin header (non-browser clients) are accepted.
// An empty list accepts any origin.
func WithAllowedOrigins(origins []string) StreamOption {
	return func(h *StatsStreamHandler) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]struct{}, len(origins))
		for _, o := range origins {
			allowed[normalizeOrigin(o)] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[normalizeOrigin(origin)]
			return ok
		}
	}
}

// WithStreamMetrics tracks open connections on m.
func WithStreamMetrics(m *metrics.Metrics) StreamOption {
	return func(h *StatsStreamHandler) {
		h.metrics = m
	}
}

// NewStatsStreamHandler creates a handler over broker.
func NewStatsStreamHandler(broker *StatsStreamBroker, opts ...StreamOption) *StatsStreamHandler {
	if broker == nil {
		broker = NewStatsStreamBroker(0)
	}

	h := &StatsStreamHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		pingInterval: streamPingInterval,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StatsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, err := streamFilterFrom(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.Debug("api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := h.broker.SubscribeFiltered(filter)
	defer cancel()

	if h.metrics != nil {
		h.metrics.StreamSubscribers.Inc()
		defer h.metrics.StreamSubscribers.Dec()
	}

	// Clients never send data; reading surfaces close frames and errors.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func streamFilterFrom(r *http.Request) (StreamFilter, error) {
	q := r.URL.Query()

	var f StreamFilter
	if scope := strings.TrimSpace(q.Get("scope")); scope != "" {
		f.Scope = limiter.Sanitize(scope)
	}
	if raw := strings.TrimSpace(q.Get("blocked")); raw != "" {
		blocked, err := strconv.ParseBool(raw)
		if err != nil {
			return StreamFilter{}, errInvalidBlockedParam
		}
		f.BlockedOnly = blocked
	}
	return f, nil
}

var errInvalidBlockedParam = errors.New("blocked must be true or false")

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(origin), "/"))
}
