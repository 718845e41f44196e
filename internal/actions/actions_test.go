package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newRecordingHandler(expect int) *recordingHandler {
	h := &recordingHandler{done: make(chan struct{})}
	go func() {
		for {
			h.mu.Lock()
			n := len(h.events)
			h.mu.Unlock()
			if n >= expect {
				close(h.done)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	return h
}

func (h *recordingHandler) Handle(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func TestDispatcherDeliversEvents(t *testing.T) {
	h := newRecordingHandler(2)
	d := NewDispatcher([]Handler{h}, 2, 16, nil)
	defer d.Close()

	d.Dispatch(Event{Type: EventEntryCreated, EntryID: 1})
	d.Dispatch(Event{Type: EventEntryChanged, EntryID: 1})

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.Timestamp.IsZero() {
			t.Error("dispatcher should stamp events")
		}
	}
}

func TestDispatcherScopesHandlersToSignals(t *testing.T) {
	h := &recordingHandler{done: make(chan struct{})}
	d := NewDispatcher([]Handler{&filteredHandler{
		Handler: h,
		events:  map[string]bool{EventLogbookCreated: true},
	}}, 1, 8, nil)

	d.Dispatch(Event{Type: EventEntryCreated})
	d.Dispatch(Event{Type: EventLogbookCreated})
	d.Close()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 1 || h.events[0].Type != EventLogbookCreated {
		t.Errorf("scoped handler received %+v", h.events)
	}
}

type blockingHandler struct {
	release chan struct{}
	started atomic.Int32
}

func (h *blockingHandler) Handle(_ context.Context, _ Event) error {
	h.started.Add(1)
	<-h.release
	return nil
}

func TestDispatcherDropsOnFullQueue(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	d := NewDispatcher([]Handler{h}, 1, 1, nil)

	// One event occupies the worker, one fills the queue; anything
	// further must be dropped, not block the caller.
	for i := 0; i < 5; i++ {
		d.Dispatch(Event{Type: EventEntryCreated})
	}
	if d.Dropped() == 0 {
		t.Error("expected dropped events on a full queue")
	}

	close(h.release)
	d.Close()
}

type panickyHandler struct{}

func (panickyHandler) Handle(context.Context, Event) error {
	panic("hook gone wrong")
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	h := newRecordingHandler(1)
	d := NewDispatcher([]Handler{panickyHandler{}, h}, 1, 4, nil)
	defer d.Close()

	d.Dispatch(Event{Type: EventEntryCreated})

	// The panicking handler must not stop delivery to the next one.
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("panic in one handler broke delivery")
	}
}

func TestWebhookHandler(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("bad webhook body: %v", err)
		}
		received <- ev
	}))
	defer srv.Close()

	h := &WebhookHandler{URL: srv.URL}
	ev := Event{Type: EventEntryCreated, LogbookID: 2, EntryID: 7, Timestamp: time.Now().UTC()}
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("webhook Handle failed: %v", err)
	}

	got := <-received
	if got.Type != ev.Type || got.EntryID != 7 || got.LogbookID != 2 {
		t.Errorf("webhook received %+v", got)
	}
}

func TestWebhookHandlerErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := &WebhookHandler{URL: srv.URL}
	if err := h.Handle(context.Background(), Event{Type: EventEntryCreated}); err == nil {
		t.Error("5xx response should be an error")
	}
}

func TestNewHandler(t *testing.T) {
	if _, err := NewHandler(HandlerSpec{Type: "exec", Target: "true"}); err != nil {
		t.Errorf("exec spec failed: %v", err)
	}
	if _, err := NewHandler(HandlerSpec{Type: "webhook", Target: "http://example.com"}); err != nil {
		t.Errorf("webhook spec failed: %v", err)
	}
	if _, err := NewHandler(HandlerSpec{Type: "carrier-pigeon"}); err == nil {
		t.Error("unknown handler type should fail")
	}

	h, err := NewHandler(HandlerSpec{
		Type: "exec", Target: "true", Events: []string{EventEntryCreated},
	})
	if err != nil {
		t.Fatalf("scoped spec failed: %v", err)
	}
	f, ok := h.(eventFilter)
	if !ok {
		t.Fatal("events list should scope the handler")
	}
	if !f.Wants(EventEntryCreated) || f.Wants(EventLogbookChanged) {
		t.Error("scoped handler should only want its configured signals")
	}
}
