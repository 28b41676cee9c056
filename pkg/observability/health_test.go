package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	err error
}

func (s stubStore) HealthCheck(context.Context) error { return s.err }

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(stubStore{err: errors.New("down")}, nil)

	rr := httptest.NewRecorder()
	checker.Liveness(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, StatusHealthy, body["status"])
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		status := NewHealthChecker(nil, nil).Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Empty(t, status.Dependencies)
		assert.NotEmpty(t, status.Version)
	})

	t.Run("healthy store and redis", func(t *testing.T) {
		_, client := newRedis(t)
		status := NewHealthChecker(stubStore{}, client).Check(context.Background())

		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
	})

	t.Run("store failure is unhealthy", func(t *testing.T) {
		status := NewHealthChecker(stubStore{err: errors.New("disk I/O error")}, nil).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "disk I/O error", status.Dependencies["database"].Message)
	})

	t.Run("redis failure is degraded", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()

		status := NewHealthChecker(stubStore{}, client).Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
	})

	t.Run("store failure wins over redis failure", func(t *testing.T) {
		mr, client := newRedis(t)
		mr.Close()

		status := NewHealthChecker(stubStore{err: errors.New("gone")}, client).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
	})
}

func TestHealthChecker_Readiness(t *testing.T) {
	tests := []struct {
		name     string
		store    StoreChecker
		wantCode int
	}{
		{name: "ready", store: stubStore{}, wantCode: http.StatusOK},
		{name: "store down", store: stubStore{err: errors.New("locked")}, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			RegisterHealthRoutes(mux, NewHealthChecker(tt.store, nil))

			for _, path := range []string{"/health", "/health/ready"} {
				rr := httptest.NewRecorder()
				mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
				assert.Equal(t, tt.wantCode, rr.Code, path)

				var status HealthStatus
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
				assert.Contains(t, status.Dependencies, "database")
			}
		})
	}
}
