// Package actions notifies external systems about logbook activity.
// Events go through a bounded queue into a small worker pool, so a
// slow hook script never stalls the request that triggered it.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Signal names dispatched by the API layer.
const (
	EventEntryCreated   = "new_entry"
	EventEntryChanged   = "edit_entry"
	EventLogbookCreated = "new_logbook"
	EventLogbookChanged = "edit_logbook"
)

// Event describes one thing that happened. Payload carries the API
// representation of the entity as it was after the change; handlers
// get a snapshot, never a live reference.
type Event struct {
	Type      string          `json:"type"`
	LogbookID int64           `json:"logbook_id,omitempty"`
	EntryID   int64           `json:"entry_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Handler reacts to one event. Handlers run on dispatcher workers and
// must tolerate concurrent calls.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// HandlerSpec is the configuration shape of one handler.
type HandlerSpec struct {
	// Type is "exec" or "webhook".
	Type string `mapstructure:"type"`
	// Target is the shell command or the URL to POST to.
	Target string `mapstructure:"target"`
	// Events restricts the handler to the named signals. Empty means
	// all of them.
	Events []string `mapstructure:"events"`
}

// NewHandler builds a handler from its configuration.
func NewHandler(spec HandlerSpec) (Handler, error) {
	var h Handler
	switch spec.Type {
	case "exec":
		h = &ExecHandler{Command: spec.Target}
	case "webhook":
		h = &WebhookHandler{URL: spec.Target}
	default:
		return nil, fmt.Errorf("unknown action handler type %q", spec.Type)
	}
	if len(spec.Events) > 0 {
		events := make(map[string]bool, len(spec.Events))
		for _, name := range spec.Events {
			events[name] = true
		}
		h = &filteredHandler{Handler: h, events: events}
	}
	return h, nil
}

// eventFilter is implemented by handlers bound to specific signals.
// Unfiltered handlers receive everything.
type eventFilter interface {
	Wants(eventType string) bool
}

// filteredHandler scopes a handler to a set of signal names.
type filteredHandler struct {
	Handler
	events map[string]bool
}

func (h *filteredHandler) Wants(eventType string) bool {
	return h.events[eventType]
}

// ExecHandler runs a shell command with the event JSON on stdin and
// the key identifiers in the environment.
type ExecHandler struct {
	Command string
}

func (h *ExecHandler) Handle(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Command)
	cmd.Stdin = bytes.NewReader(body)
	cmd.Env = append(os.Environ(),
		"ELOGD_EVENT="+ev.Type,
		"ELOGD_LOGBOOK_ID="+strconv.FormatInt(ev.LogbookID, 10),
		"ELOGD_ENTRY_ID="+strconv.FormatInt(ev.EntryID, 10),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("action command failed: %w: %s", err, out)
	}
	return nil
}

// WebhookHandler POSTs the event as JSON.
type WebhookHandler struct {
	URL    string
	Client *http.Client
}

func (h *WebhookHandler) Handle(ctx context.Context, ev Event) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// Dispatcher fans events out to its handlers from a fixed worker pool.
type Dispatcher struct {
	handlers []Handler
	queue    chan Event
	logger   *slog.Logger
	timeout  time.Duration

	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHandlerTimeout bounds how long one handler may run per event.
func WithHandlerTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// NewDispatcher starts workers consuming a queue of queueSize events.
func NewDispatcher(handlers []Handler, workers, queueSize int, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: handlers,
		queue:    make(chan Event, queueSize),
		logger:   logger,
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch queues an event without blocking. When the queue is full
// the event is dropped and counted; notifications are best effort.
func (d *Dispatcher) Dispatch(ev Event) {
	if len(d.handlers) == 0 {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("action queue full, dropping event",
			"event", ev.Type, "dropped_total", n)
	}
}

// Dropped returns how many events were dropped on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for the workers to drain the
// queue.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, handler := range d.handlers {
			if f, ok := handler.(eventFilter); ok && !f.Wants(ev.Type) {
				continue
			}
			d.run(handler, ev)
		}
	}
}

// run executes one handler with a deadline, containing panics so a
// broken hook cannot take a worker down.
func (d *Dispatcher) run(handler Handler, ev Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("action handler panicked",
				"event", ev.Type, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := handler.Handle(ctx, ev); err != nil {
		d.logger.Warn("action handler failed",
			"event", ev.Type, "error", err)
	}
}
