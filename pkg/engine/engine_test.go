package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/journal"
	"github.com/incus-tools/converge/pkg/loader"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeIncus is a minimal in-memory Incus API for engine tests. It serves
// profiles and instance snapshots and records every mutation.
type fakeIncus struct {
	mu        sync.Mutex
	profiles  map[string]incus.Profile
	snapshots map[string][]incus.Snapshot // instance -> snapshots
	mutations []string
}

func newFakeIncus() *fakeIncus {
	return &fakeIncus{
		profiles:  map[string]incus.Profile{},
		snapshots: map[string][]incus.Snapshot{},
	}
}

func (f *fakeIncus) record(op string) {
	f.mu.Lock()
	f.mutations = append(f.mutations, op)
	f.mu.Unlock()
}

func respond(w http.ResponseWriter, metadata interface{}) {
	data, _ := json.Marshal(metadata)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":        "sync",
		"status":      "Success",
		"status_code": 200,
		"metadata":    json.RawMessage(data),
	})
}

func respondNotFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type": "error", "error": "not found", "error_code": 404,
	})
}

func (f *fakeIncus) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /1.0/profiles/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		profile, ok := f.profiles[r.PathValue("name")]
		f.mu.Unlock()
		if !ok {
			respondNotFound(w)
			return
		}
		respond(w, profile)
	})
	mux.HandleFunc("POST /1.0/profiles", func(w http.ResponseWriter, r *http.Request) {
		var profile incus.Profile
		_ = json.NewDecoder(r.Body).Decode(&profile)
		f.mu.Lock()
		f.profiles[profile.Name] = profile
		f.mu.Unlock()
		f.record("create profile " + profile.Name)
		respond(w, nil)
	})
	mux.HandleFunc("PATCH /1.0/profiles/{name}", func(w http.ResponseWriter, r *http.Request) {
		f.record("update profile " + r.PathValue("name"))
		respond(w, nil)
	})

	mux.HandleFunc("GET /1.0/instances/{name}/snapshots/{snap}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, s := range f.snapshots[r.PathValue("name")] {
			if s.Name == r.PathValue("snap") {
				respond(w, s)
				return
			}
		}
		respondNotFound(w)
	})
	mux.HandleFunc("GET /1.0/instances/{name}/snapshots", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		snaps := append([]incus.Snapshot(nil), f.snapshots[r.PathValue("name")]...)
		f.mu.Unlock()
		respond(w, snaps)
	})
	mux.HandleFunc("POST /1.0/instances/{name}/snapshots", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		instance := r.PathValue("name")
		f.mu.Lock()
		f.snapshots[instance] = append(f.snapshots[instance], incus.Snapshot{
			Name:      body.Name,
			CreatedAt: time.Now(),
		})
		f.mu.Unlock()
		f.record("create snapshot " + instance + "/" + body.Name)
		respond(w, nil)
	})
	mux.HandleFunc("DELETE /1.0/instances/{name}/snapshots/{snap}", func(w http.ResponseWriter, r *http.Request) {
		instance, snap := r.PathValue("name"), r.PathValue("snap")
		f.mu.Lock()
		kept := f.snapshots[instance][:0]
		for _, s := range f.snapshots[instance] {
			if s.Name != snap {
				kept = append(kept, s)
			}
		}
		f.snapshots[instance] = kept
		f.mu.Unlock()
		f.record("delete snapshot " + instance + "/" + snap)
		respond(w, nil)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunCreatesMissingResources(t *testing.T) {
	fake := newFakeIncus()
	srv := fake.server(t)

	plan, err := loader.Parse([]byte(`
resources:
  - kind: profile
    name: web
    config:
      limits.cpu: 2
`))
	require.NoError(t, err)

	eng := New(incus.NewForURL(srv.URL), nil, nil, Options{})
	result, err := eng.Run(context.Background(), plan)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Created)
	assert.Equal(t, []string{"create profile web"}, fake.mutations)
	assert.Equal(t, "2", fake.profiles["web"].Config["limits.cpu"])
}

func TestRunIsIdempotent(t *testing.T) {
	fake := newFakeIncus()
	fake.profiles["web"] = incus.Profile{
		Name:   "web",
		Config: map[string]string{"limits.cpu": "2"},
	}
	srv := fake.server(t)

	plan, err := loader.Parse([]byte(`
resources:
  - kind: profile
    name: web
    config:
      limits.cpu: 2
`))
	require.NoError(t, err)

	eng := New(incus.NewForURL(srv.URL), nil, nil, Options{})
	result, err := eng.Run(context.Background(), plan)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Unchanged)
	assert.Empty(t, fake.mutations)
}

func TestRunRotationSparesSamePassSnapshot(t *testing.T) {
	fake := newFakeIncus()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fake.snapshots["web"] = []incus.Snapshot{
		{Name: "daily-1", CreatedAt: base},
		{Name: "daily-2", CreatedAt: base.Add(24 * time.Hour)},
	}
	srv := fake.server(t)

	plan, err := loader.Parse([]byte(`
resources:
  - kind: instance-snapshot
    name: daily-3
    instance: web
rotations:
  - instance: web
    pattern: "daily-*"
    keep: 1
`))
	require.NoError(t, err)

	eng := New(incus.NewForURL(srv.URL), nil, nil, Options{})
	result, err := eng.Run(context.Background(), plan)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Summary.Created)
	assert.Contains(t, fake.mutations, "create snapshot web/daily-3")
	assert.Contains(t, fake.mutations, "delete snapshot web/daily-1")
	assert.NotContains(t, fake.mutations, "delete snapshot web/daily-3",
		"snapshot created this pass must never rotate out")

	var remaining []string
	for _, s := range fake.snapshots["web"] {
		remaining = append(remaining, s.Name)
	}
	assert.ElementsMatch(t, []string{"daily-2", "daily-3"}, remaining)
}

func TestRunDryRunNeverMutates(t *testing.T) {
	fake := newFakeIncus()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	fake.snapshots["web"] = []incus.Snapshot{
		{Name: "daily-1", CreatedAt: base},
		{Name: "daily-2", CreatedAt: base.Add(24 * time.Hour)},
	}
	srv := fake.server(t)

	plan, err := loader.Parse([]byte(`
resources:
  - kind: profile
    name: web
rotations:
  - instance: web
    pattern: "daily-*"
    keep: 0
`))
	require.NoError(t, err)

	eng := New(incus.NewForURL(srv.URL), nil, nil, Options{DryRun: true})
	result, err := eng.Run(context.Background(), plan)

	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Empty(t, fake.mutations)
	assert.Equal(t, types.ActionCreate, result.Results[0].Action)
}

func TestRunJournalsPassResult(t *testing.T) {
	fake := newFakeIncus()
	srv := fake.server(t)

	jrnl, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	defer jrnl.Close()

	plan, err := loader.Parse([]byte(`
resources:
  - kind: profile
    name: web
`))
	require.NoError(t, err)

	eng := New(incus.NewForURL(srv.URL), jrnl, nil, Options{})
	result, err := eng.Run(context.Background(), plan)
	require.NoError(t, err)

	saved, err := jrnl.GetPass(result.PassID)
	require.NoError(t, err)
	assert.Equal(t, result.Summary, saved.Summary)
}
