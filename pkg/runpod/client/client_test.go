package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testAPIKey = "rp_test_key"

// newTestClient starts a TLS server and a client with fast retries pointed at it
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewTLSServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(testAPIKey, &ClientOptions{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		RateLimit:  6000,
		Logger:     zaptest.NewLogger(t),
		RetryConfig: &RetryConfig{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return c, server
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		apiKey  string
		opts    *ClientOptions
		wantErr string
	}{
		{name: "empty api key", apiKey: "  ", wantErr: "api_key"},
		{name: "plain http rejected", apiKey: "k", opts: &ClientOptions{BaseURL: "http://rest.runpod.io/v1"}, wantErr: "HTTPS"},
		{name: "negative rate limit", apiKey: "k", opts: &ClientOptions{RateLimit: -1}, wantErr: "rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.apiKey, tt.opts)
			require.Error(t, err)
			assert.Nil(t, c)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("k", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultAPIEndpoint, c.BaseURL())
	assert.Equal(t, DefaultUserAgent, c.userAgent)
	assert.Equal(t, DefaultRetryConfig(), c.retryConfig)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
	assert.Equal(t, StateClosed, c.Stats().State)
}

func TestNewClient_PartialRetryConfigGetsDefaults(t *testing.T) {
	c, err := NewClient("k", &ClientOptions{
		BaseURL:     "https://rest.runpod.test/v1/",
		RetryConfig: &RetryConfig{MaxRetries: 7},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://rest.runpod.test/v1", c.BaseURL())
	assert.Equal(t, 7, c.retryConfig.MaxRetries)
	assert.Equal(t, DefaultInitialBackoff, c.retryConfig.InitialBackoff)
	assert.NotEmpty(t, c.retryConfig.RetryableStatusCodes)
}

func TestClient_RequestHeaders(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testAPIKey, r.Header.Get("Authorization"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		writeJSON(w, http.StatusOK, []Pod{})
	})

	_, err := c.ListPods(context.Background())
	require.NoError(t, err)
}

func TestListPods_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/pods", r.URL.Path)
		writeJSON(w, http.StatusOK, []Pod{
			{ID: "p1", DesiredStatus: PodStatusRunning, PublicIP: "203.0.113.5", Tags: map[string]string{"cluster-name": "c1"}},
			{ID: "p2", DesiredStatus: PodStatusExited},
		})
	})

	pods, err := c.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "p1", pods[0].ID)
	assert.Equal(t, "203.0.113.5", pods[0].PublicIP)
	assert.Equal(t, "c1", pods[0].Tags["cluster-name"])
	assert.True(t, pods[0].IsActive())
	assert.False(t, pods[1].IsActive())
}

func TestListPods_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "try later"})
			return
		}
		writeJSON(w, http.StatusOK, []Pod{{ID: "p1"}})
	})

	pods, err := c.ListPods(context.Background())
	require.NoError(t, err)
	assert.Len(t, pods, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListPods_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Message: "upstream"})
	})

	_, err := c.ListPods(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestListPods_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("X-Request-ID", "req-42")
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "bad key"})
	})

	_, err := c.ListPods(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "req-42")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreatePod_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pods", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreatePodRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "c1-abc", req.Name)
		assert.Equal(t, []string{"NVIDIA A40"}, req.GPUTypeIDs)
		assert.Equal(t, "ssh-ed25519 AAAA", req.Env["PUBLIC_KEY"])

		writeJSON(w, http.StatusCreated, Pod{ID: "pod-9", Name: req.Name, DesiredStatus: PodStatusRunning})
	})

	pod, err := c.CreatePod(context.Background(), &CreatePodRequest{
		Name:       "c1-abc",
		ImageName:  "nvidia/cuda:12.2.0-base-ubuntu20.04",
		GPUTypeIDs: []string{"NVIDIA A40"},
		GPUCount:   1,
		Env:        map[string]string{"PUBLIC_KEY": "ssh-ed25519 AAAA"},
	})
	require.NoError(t, err)
	require.NotNil(t, pod)
	assert.Equal(t, "pod-9", pod.ID)
}

func TestCreatePod_MissingIDReturnsNil(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	pod, err := c.CreatePod(context.Background(), &CreatePodRequest{
		ImageName:  "img",
		GPUTypeIDs: []string{"NVIDIA A40"},
	})
	require.NoError(t, err)
	assert.Nil(t, pod)
}

func TestCreatePod_NotRetriedOnServerError(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Message: "boom"})
	})

	_, err := c.CreatePod(context.Background(), &CreatePodRequest{ImageName: "img", GPUTypeIDs: []string{"g"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreatePod_ValidationErrors(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	tests := []struct {
		name string
		req  *CreatePodRequest
	}{
		{name: "nil request", req: nil},
		{name: "missing image", req: &CreatePodRequest{GPUTypeIDs: []string{"g"}}},
		{name: "missing gpu type", req: &CreatePodRequest{ImageName: "img"}},
		{name: "empty gpu type", req: &CreatePodRequest{ImageName: "img", GPUTypeIDs: []string{""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CreatePod(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
		})
	}
}

func TestSetTags_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/pods/pod-1/tags", r.URL.Path)

		var req SetTagsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, map[string]string{"cluster-name": "c1", "role": ""}, req.Tags)
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.SetTags(context.Background(), "pod-1", map[string]string{"cluster-name": "c1", "role": ""})
	require.NoError(t, err)
}

func TestSetTags_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "not found", Message: "no such pod"})
	})

	err := c.SetTags(context.Background(), "gone", map[string]string{"a": "b"})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRemovePod(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "removed", status: http.StatusOK},
		{name: "already gone", status: http.StatusNotFound},
		{name: "conflict", status: http.StatusConflict, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/pods/pod-1", r.URL.Path)
				w.WriteHeader(tt.status)
			})

			err := c.RemovePod(context.Background(), "pod-1")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRemovePod_EmptyID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	err := c.RemovePod(context.Background(), "")
	assert.True(t, IsConfigError(err))
}

func TestClient_ContextCancellation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, []Pod{})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.ListPods(ctx)
	require.Error(t, err)
}

func TestClient_CircuitBreakerOpensAfterServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, err := NewClient(testAPIKey, &ClientOptions{
		BaseURL:              server.URL,
		HTTPClient:           server.Client(),
		RateLimit:            6000,
		RetryConfig:          &RetryConfig{MaxRetries: -1},
		CircuitBreakerConfig: &CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.ListPods(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, c.Stats().State)

	_, err = c.ListPods(context.Background())
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_NotFoundDoesNotTripBreaker(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, c.RemovePod(context.Background(), "pod-1"))
	}
	assert.Equal(t, StateClosed, c.Stats().State)
}

func TestClient_Close(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	assert.NoError(t, c.Close())
}
