package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ciphernode/internal/events"
	"ciphernode/internal/router"
)

// fakeBackend implements every provider interface the server needs.
type fakeBackend struct {
	mu        sync.Mutex
	published []events.Event
	gossiped  []events.Event
	infos     map[events.RequestID]router.Info
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{infos: make(map[events.RequestID]router.Info)}
}

func (f *fakeBackend) Publish(ev events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.published = append(f.published, ev)
}

func (f *fakeBackend) GossipEvent(ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.gossiped = append(f.gossiped, ev)

	return nil
}

func (f *fakeBackend) Active() []events.RequestID {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]events.RequestID, 0, len(f.infos))
	for id := range f.infos {
		out = append(out, id)
	}

	return out
}

func (f *fakeBackend) Lookup(id events.RequestID) (router.Info, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, ok := f.infos[id]

	return info, ok
}

func (f *fakeBackend) LocalID() events.NodeID { return events.NodeID{0x01} }
func (f *fakeBackend) PeerCount() int         { return 2 }
func (f *fakeBackend) RegisteredNodes() int   { return 3 }

// newTestServer builds a server and an httptest wrapper around its mux.
func newTestServer(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()

	backend := newFakeBackend()
	s := New("127.0.0.1:0", backend, backend, backend, backend)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests", s.handleCreateRequest)
	mux.HandleFunc("GET /requests", s.handleListRequests)
	mux.HandleFunc("GET /requests/{id}", s.handleGetRequest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return backend, ts
}

// TestCreateRequest verifies a submission is published, gossiped and
// answered with its id.
func TestCreateRequest(t *testing.T) {
	backend, ts := newTestServer(t)

	body := []byte(`{"min":2,"total":3}`)

	resp, err := http.Post(ts.URL+"/requests", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	raw, err := hex.DecodeString(out["requestId"])
	if err != nil || len(raw) != 32 {
		t.Fatalf("requestId %q", out["requestId"])
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()

	if len(backend.published) != 1 || len(backend.gossiped) != 1 {
		t.Fatalf("published %d, gossiped %d", len(backend.published), len(backend.gossiped))
	}

	created, ok := backend.published[0].(events.RequestCreated)
	if !ok {
		t.Fatalf("published %T", backend.published[0])
	}

	if created.Min != 2 || created.Total != 3 {
		t.Errorf("published thresholds %d/%d", created.Min, created.Total)
	}
}

// TestCreateRequestValidation rejects bad thresholds and seeds.
func TestCreateRequestValidation(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"zero min", `{"min":0,"total":3}`},
		{"min above total", `{"min":4,"total":3}`},
		{"short seed", `{"min":1,"total":1,"seed":"abcd"}`},
		{"garbage body", `{`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/requests", "application/json", bytes.NewReader([]byte(tc.body)))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status %d", resp.StatusCode)
			}
		})
	}
}

// TestGetRequest serves diagnostics for a live request and 404s unknown
// ids.
func TestGetRequest(t *testing.T) {
	backend, ts := newTestServer(t)

	id := events.RequestID{0xAB}
	backend.infos[id] = router.Info{
		RequestID:       id,
		Committee:       []events.NodeID{{0x01}, {0x02}},
		Min:             2,
		Deadline:        time.Now().Add(time.Minute),
		PublicKeyState:  "collecting",
		PublicKeyShares: 1,
		DecryptionState: "collecting",
	}

	resp, err := http.Get(ts.URL + "/requests/" + hex.EncodeToString(id[:]))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out["publicKeyState"] != "collecting" || out["publicKeyShares"] != float64(1) {
		t.Errorf("diagnostics %+v", out)
	}

	missing, err := http.Get(ts.URL + "/requests/" + hex.EncodeToString(bytes.Repeat([]byte{0xFF}, 32)))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	missing.Body.Close()

	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing id status %d", missing.StatusCode)
	}
}

// TestHealthAndStatus covers the monitoring endpoints.
func TestHealthAndStatus(t *testing.T) {
	_, ts := newTestServer(t)

	health, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	health.Body.Close()

	if health.StatusCode != http.StatusOK {
		t.Errorf("health status %d", health.StatusCode)
	}

	status, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer status.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(status.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out["peers"] != float64(2) || out["registeredNodes"] != float64(3) {
		t.Errorf("status %+v", out)
	}
}
