package collaborator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/config"
)

func newTestClient(baseURL string) *AgentClient {
	cfg := &config.Config{}
	cfg.Agent.BaseURL = baseURL
	cfg.Agent.Timeout = 2
	return NewAgentClient(cfg, zap.NewNop())
}

func TestGetBestEffort_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/location", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"latitude": 31.2304, "longitude": 121.4737, "accuracy": 12.5}`))
	}))
	defer server.Close()

	point, err := newTestClient(server.URL).GetBestEffort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 31.2304, point.Latitude)
	assert.Equal(t, 121.4737, point.Longitude)
	assert.Equal(t, 12.5, point.Accuracy)
}

func TestGetBestEffort_AgentUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetBestEffort(context.Background())
	assert.Error(t, err)
}

func TestGetBestEffort_Unreachable(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1").GetBestEffort(context.Background())
	assert.Error(t, err)
}

func TestStartBestEffort_ReturnsHandle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/recording/start", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"handle": "rec-20260830-001"}`))
	}))
	defer server.Close()

	handle, err := newTestClient(server.URL).StartBestEffort(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rec-20260830-001", *handle)
}

func TestStartBestEffort_EmptyHandleIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).StartBestEffort(context.Background())
	assert.Error(t, err)
}

func TestStopBestEffort_SendsHandle(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newTestClient(server.URL).StopBestEffort(context.Background(), "rec-001")
	require.NoError(t, err)
	assert.Equal(t, "/v1/recording/stop", gotPath)
}

func TestGetAll_ReturnsContacts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/contacts", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"contact_id": "c1", "name": "Zhang Wei", "phone": "+8613800000000"},
			{"contact_id": "c2", "name": "Li Na", "email": "lina@example.com"}
		]`))
	}))
	defer server.Close()

	contacts, err := newTestClient(server.URL).GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "Zhang Wei", contacts[0].Name)
	assert.Equal(t, "lina@example.com", contacts[1].Email)
}
