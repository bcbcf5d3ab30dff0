package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestServerInitialization(t *testing.T) {
	services := &APIServices{
		NodeService: &MockNodeService{},
		TxService:   &MockTransactionService{},
	}

	server, err := NewAPIServer(DefaultAPIConfig(), services)
	require.NoError(t, err)
	assert.NotNil(t, server.router)

	_, err = NewAPIServer(DefaultAPIConfig(), &APIServices{NodeService: &MockNodeService{}})
	assert.Error(t, err)
}

func TestServerStartStop(t *testing.T) {
	config := DefaultAPIConfig()
	config.Port = 0

	mockNode := new(MockNodeService)
	mockNode.On("NodeInfo", mock.Anything).Return(types.NodeInfo{PeerID: "0000000000000001"}, nil)
	services := &APIServices{
		NodeService: mockNode,
		TxService:   &MockTransactionService{},
	}

	server, err := NewAPIServer(config, services)
	require.NoError(t, err)
	require.NoError(t, server.Start())

	base := fmt.Sprintf("http://%s", server.Addr())
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/api/v1/node/info")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "0000000000000001")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	_, err = http.Get(base + "/health")
	assert.Error(t, err)
}

func TestRouteConfiguration(t *testing.T) {
	router, _, mockNode, _ := setupTestAPI()
	mockNode.On("NodeInfo", mock.Anything).Return(types.NodeInfo{}, nil)
	mockNode.On("Peers", mock.Anything).Return([]types.PeerInfo{}, nil)

	tests := []struct {
		name         string
		method       string
		path         string
		expectedCode int
	}{
		{
			name:         "Node info route",
			method:       "GET",
			path:         "/api/v1/node/info",
			expectedCode: http.StatusOK,
		},
		{
			name:         "Peers route",
			method:       "GET",
			path:         "/api/v1/node/peers",
			expectedCode: http.StatusOK,
		},
		{
			name:         "Metrics route",
			method:       "GET",
			path:         "/metrics",
			expectedCode: http.StatusOK,
		},
		{
			name:         "Invalid route",
			method:       "GET",
			path:         "/invalid",
			expectedCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(tt.method, tt.path, nil)
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedCode, w.Code)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	router, _, _, _ := setupTestAPI()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)

	assert.Equal(t, "ok", response["status"])
	assert.NotNil(t, response["time"])
}

func TestMetricsEndpointExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	custom := prometheus.NewCounter(prometheus.CounterOpts{Name: "peernet_test_total", Help: "test"})
	reg.MustRegister(custom)
	custom.Add(3)

	services := &APIServices{NodeService: &MockNodeService{}, TxService: &MockTransactionService{}}
	server, err := NewAPIServer(DefaultAPIConfig(), services, WithRegistry(reg))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	server.GetRouter().ServeHTTP(w, req)

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/metrics", nil)
	server.GetRouter().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "peernet_test_total 3")
	assert.Contains(t, w.Body.String(), `peernet_api_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	router, _, _, _ := setupTestAPI(func(c *APIConfig) { c.EnableMetrics = false })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
