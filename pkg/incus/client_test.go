package incus

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incus-tools/converge/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func sync(w http.ResponseWriter, metadata interface{}) {
	data, _ := json.Marshal(metadata)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":        "sync",
		"status":      "Success",
		"status_code": 200,
		"metadata":    json.RawMessage(data),
	})
}

func apiError(w http.ResponseWriter, code int, msg string) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"type":       "error",
		"error":      msg,
		"error_code": code,
	})
}

func TestGetDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1.0/profiles/web", r.URL.Path)
		sync(w, Profile{Name: "web", Config: map[string]string{"limits.cpu": "2"}})
	}))
	defer srv.Close()

	profile, err := NewForURL(srv.URL).Profile(context.Background(), "web")

	require.NoError(t, err)
	assert.Equal(t, "web", profile.Name)
	assert.Equal(t, "2", profile.Config["limits.cpu"])
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusNotFound, "not found")
	}))
	defer srv.Close()

	_, err := NewForURL(srv.URL).Instance(context.Background(), "ghost")

	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestConflictMapsToConflictError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusConflict, "already exists")
	}))
	defer srv.Close()

	err := NewForURL(srv.URL).ProfileCreate(context.Background(), Profile{Name: "web"})

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Message, "already exists")
}

func TestServerErrorMapsToAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusInternalServerError, "backend unavailable")
	}))
	defer srv.Close()

	_, err := NewForURL(srv.URL).Networks(context.Background())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestAsyncOperationWaitedToCompletion(t *testing.T) {
	var polled bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /1.0/instances", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"type":        "async",
			"status":      "Operation created",
			"status_code": 100,
			"operation":   "/1.0/operations/op-1",
			"metadata":    json.RawMessage("null"),
		})
	})
	mux.HandleFunc("GET /1.0/operations/op-1", func(w http.ResponseWriter, r *http.Request) {
		polled = true
		sync(w, Operation{ID: "op-1", Status: "Success", StatusCode: 200})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := NewForURL(srv.URL).InstanceCreate(context.Background(), InstancesPost{Name: "web"})

	require.NoError(t, err)
	assert.True(t, polled, "client must poll the operation URL")
}

func TestAsyncOperationFailureSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /1.0/instances", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"type":        "async",
			"status":      "Operation created",
			"status_code": 100,
			"operation":   "/1.0/operations/op-2",
			"metadata":    json.RawMessage("null"),
		})
	})
	mux.HandleFunc("GET /1.0/operations/op-2", func(w http.ResponseWriter, r *http.Request) {
		sync(w, Operation{ID: "op-2", Status: "Failure", StatusCode: 400, Err: "disk full"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := NewForURL(srv.URL).InstanceCreate(context.Background(), InstancesPost{Name: "web"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "disk full")
}

func TestCallHonorsContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		sync(w, nil)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewForURL(srv.URL).Instances(ctx)

	var timeout *TimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestServerUnsetRemovesSingleKey(t *testing.T) {
	var putBody map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /1.0", func(w http.ResponseWriter, r *http.Request) {
		sync(w, Server{Config: map[string]string{
			"core.https_address": ":8443",
			"cluster.max_voters": "5",
		}})
	})
	mux.HandleFunc("PUT /1.0", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&putBody)
		sync(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := NewForURL(srv.URL).ServerUnset(context.Background(), "cluster.max_voters")

	require.NoError(t, err)
	require.NotNil(t, putBody)
	config := putBody["config"].(map[string]interface{})
	assert.Equal(t, ":8443", config["core.https_address"])
	_, present := config["cluster.max_voters"]
	assert.False(t, present)
}

func TestServerUnsetAbsentKeyIsNoop(t *testing.T) {
	var putCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /1.0", func(w http.ResponseWriter, r *http.Request) {
		sync(w, Server{Config: map[string]string{"core.https_address": ":8443"}})
	})
	mux.HandleFunc("PUT /1.0", func(w http.ResponseWriter, r *http.Request) {
		putCalled = true
		sync(w, nil)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	err := NewForURL(srv.URL).ServerUnset(context.Background(), "cluster.max_voters")

	require.NoError(t, err)
	assert.False(t, putCalled, "unsetting an absent key must not write")
}
