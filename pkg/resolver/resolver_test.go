package resolver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/log"
	"github.com/incus-tools/converge/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
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
		"type":       "error",
		"error":      "not found",
		"error_code": 404,
	})
}

func TestResolveMissingResourceIsNilNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondNotFound(w)
	}))
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind: types.KindInstance,
		Name: "ghost",
	})

	require.NoError(t, err, "absence is not an error")
	assert.Nil(t, live)
}

func TestResolveLookupFailureIsResolutionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"type": "error", "error": "cluster degraded", "error_code": 500,
		})
	}))
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind: types.KindInstance,
		Name: "web",
	})

	assert.Nil(t, live)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "instance/web", rerr.ID)
}

func TestResolveInstanceMapsLiveFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/instances/web", r.URL.Path)
		respond(w, incus.Instance{
			Name:     "web",
			Status:   "Running",
			Config:   map[string]string{"limits.cpu": "2"},
			Profiles: []string{"default"},
		})
	}))
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind: types.KindInstance,
		Name: "web",
	})

	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "Running", live.Status)
	assert.Equal(t, []string{"default"}, live.Profiles)
}

func TestResolveImageFingerprintIsAuthoritative(t *testing.T) {
	var aliasLookups int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /1.0/images/aliases/{name}", func(w http.ResponseWriter, r *http.Request) {
		aliasLookups++
		respondNotFound(w)
	})
	mux.HandleFunc("GET /1.0/images/abc123", func(w http.ResponseWriter, r *http.Request) {
		respond(w, incus.Image{Fingerprint: "abc123", Public: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind:        types.KindImage,
		Name:        "ubuntu",
		Fingerprint: "abc123",
		Aliases:     []string{"noble"},
	})

	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "abc123", live.Fingerprint)
	assert.Zero(t, aliasLookups, "fingerprint lookup must skip aliases")
}

func TestResolveImageFallsBackThroughAliases(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /1.0/images/aliases/ubuntu", func(w http.ResponseWriter, r *http.Request) {
		respondNotFound(w)
	})
	mux.HandleFunc("GET /1.0/images/aliases/noble", func(w http.ResponseWriter, r *http.Request) {
		respond(w, incus.ImageAlias{Name: "noble", Target: "def456"})
	})
	mux.HandleFunc("GET /1.0/images/def456", func(w http.ResponseWriter, r *http.Request) {
		respond(w, incus.Image{
			Fingerprint: "def456",
			Aliases:     []incus.ImageAlias{{Name: "noble"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind:    types.KindImage,
		Name:    "ubuntu",
		Aliases: []string{"noble"},
	})

	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "def456", live.Fingerprint)
	assert.Equal(t, []string{"noble"}, live.Aliases)
}

func TestResolveImageNoAliasMatchesIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondNotFound(w)
	}))
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind:    types.KindImage,
		Name:    "ubuntu",
		Aliases: []string{"noble"},
		Source:  &types.Source{Alias: "24.04"},
	})

	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestResolveAttachmentMatchesDiskDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, incus.Instance{
			Name: "web",
			Devices: map[string]map[string]string{
				"data": {"type": "disk", "pool": "default", "source": "data", "path": "/mnt/data"},
			},
		})
	}))
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind:     types.KindVolumeAttachment,
		Name:     "data",
		Instance: "web",
		Pool:     "default",
	})

	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, "data", live.Name)
}

func TestResolveAttachmentDifferentVolumeIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, incus.Instance{
			Name: "web",
			Devices: map[string]map[string]string{
				"data": {"type": "disk", "pool": "other", "source": "data"},
			},
		})
	}))
	defer srv.Close()

	live, err := New(incus.NewForURL(srv.URL)).Resolve(context.Background(), &types.ResourceDescriptor{
		Kind:     types.KindVolumeAttachment,
		Name:     "data",
		Instance: "web",
		Pool:     "default",
	})

	require.NoError(t, err)
	assert.Nil(t, live, "device bound to another pool is not this attachment")
}
