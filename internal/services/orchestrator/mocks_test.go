package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/FresHHerB/api-gpu-sub002/internal/common"
	"github.com/FresHHerB/api-gpu-sub002/internal/interfaces"
	"github.com/FresHHerB/api-gpu-sub002/internal/models"
	"github.com/FresHHerB/api-gpu-sub002/internal/storage/memory"
)

// --- mocks ---

type mockEndpoint struct {
	mu        sync.Mutex
	nextID    int
	submitErr error
	submitted map[string]json.RawMessage // remote id -> payload
	order     []string
	cancelled map[string]bool
	statusFn  func(remoteID string) (*interfaces.RemoteStatus, error)
}

func newMockEndpoint() *mockEndpoint {
	return &mockEndpoint{
		submitted: make(map[string]json.RawMessage),
		cancelled: make(map[string]bool),
	}
}

func (m *mockEndpoint) Submit(_ context.Context, payload json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.nextID++
	id := fmt.Sprintf("rp-%d", m.nextID)
	m.submitted[id] = append(json.RawMessage(nil), payload...)
	m.order = append(m.order, id)
	return id, nil
}

func (m *mockEndpoint) Status(_ context.Context, remoteID string) (*interfaces.RemoteStatus, error) {
	m.mu.Lock()
	fn := m.statusFn
	m.mu.Unlock()
	if fn != nil {
		return fn(remoteID)
	}
	return &interfaces.RemoteStatus{State: interfaces.RemoteCompleted, Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (m *mockEndpoint) Cancel(_ context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[remoteID] = true
	return nil
}

func (m *mockEndpoint) Health(_ context.Context) bool { return true }

func (m *mockEndpoint) setStatusFn(fn func(remoteID string) (*interfaces.RemoteStatus, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusFn = fn
}

func (m *mockEndpoint) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

func (m *mockEndpoint) submittedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *mockEndpoint) wasCancelled(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[remoteID]
}

type mockExecutor struct {
	mu    sync.Mutex
	runFn func(ctx context.Context, op models.Operation, payload json.RawMessage) (json.RawMessage, error)
	runs  []models.Operation
}

func (m *mockExecutor) Run(ctx context.Context, op models.Operation, payload json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	m.runs = append(m.runs, op)
	fn := m.runFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, op, payload)
	}
	return json.RawMessage(`{"done":true}`), nil
}

func (m *mockExecutor) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

type webhookPost struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

type mockTransport struct {
	mu     sync.Mutex
	posts  []webhookPost
	postFn func(url string, body []byte) (int, error)
}

func (m *mockTransport) Post(_ context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	m.mu.Lock()
	m.posts = append(m.posts, webhookPost{URL: url, Headers: headers, Body: append([]byte(nil), body...)})
	fn := m.postFn
	m.mu.Unlock()
	if fn != nil {
		status, err := fn(url, body)
		return status, nil, err
	}
	return 200, nil, nil
}

func (m *mockTransport) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

func (m *mockTransport) post(i int) webhookPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posts[i]
}

// --- helpers ---

// fastConfig returns a config with intervals short enough for loop tests.
// Timeout scanning is pushed out of the way; tests that need it call
// timeoutScan directly.
func fastConfig() *common.Config {
	cfg := common.NewDefaultConfig()
	cfg.Orchestrator.TickInterval = "10ms"
	cfg.Orchestrator.TimeoutCheckInterval = "1h"
	cfg.Orchestrator.PollInitialDelay = "2ms"
	cfg.Orchestrator.PollMaxDelay = "5ms"
	cfg.Orchestrator.InitialGracePeriod = "40ms"
	cfg.Orchestrator.WebhookRetryDelays = []string{"2ms"}
	cfg.Orchestrator.WebhookSecret = "test-secret"
	return cfg
}

// publicLookup resolves every hostname to a public address so tests never
// touch DNS.
func publicLookup(string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("93.184.216.34")}, nil
}

func newTestOrch(t *testing.T, cfg *common.Config) (*Orchestrator, *memory.Store, *mockEndpoint, *mockExecutor, *mockTransport) {
	t.Helper()
	logger := common.NewSilentLogger()
	clock := clockwork.NewRealClock()
	store := memory.NewStore(logger, clock, cfg.Orchestrator.GetMaxRemoteSlots())

	ep := newMockEndpoint()
	ex := &mockExecutor{}
	tr := &mockTransport{}

	o := New(store, ep, ex, tr, logger, cfg, clock, prometheus.NewRegistry())
	validator := NewURLValidatorWithLookup(publicLookup)
	o.validator = validator
	o.deliverer.validator = validator
	return o, store, ep, ex, tr
}

func enqueueJob(t *testing.T, o *Orchestrator, op models.Operation, payload, webhookURL string) *models.Job {
	t.Helper()
	svc := NewService(o)
	var p map[string]any
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		t.Fatalf("invalid test payload: %v", err)
	}
	job, err := svc.Enqueue(context.Background(), interfaces.EnqueueRequest{
		Operation:  op,
		Payload:    p,
		WebhookURL: webhookURL,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func jobStatus(t *testing.T, store *memory.Store, id string) models.Status {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %s: %v", id, err)
	}
	return job.Status
}

func activeSlots(t *testing.T, store *memory.Store) int {
	t.Helper()
	n, err := store.ActiveSlots(context.Background())
	if err != nil {
		t.Fatalf("active slots: %v", err)
	}
	return n
}
