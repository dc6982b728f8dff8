package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name     string
	err      error
	critical bool
}

func (s *stubChecker) Name() string                    { return s.name }
func (s *stubChecker) Check(ctx context.Context) error { return s.err }
func (s *stubChecker) IsCritical() bool                { return s.critical }
func (s *stubChecker) Timeout() time.Duration          { return time.Second }

func TestManager_AllHealthy(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "docstore", critical: true})
	m.Register(&stubChecker{name: "redis"})

	overall := m.Check(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.Len(t, overall.Components, 2)
	assert.True(t, m.Ready(context.Background()))
}

func TestManager_NonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "docstore", critical: true})
	m.Register(&stubChecker{name: "redis", err: errors.New("connection refused")})

	overall := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, m.Ready(context.Background()))
}

func TestManager_CriticalFailureIsUnhealthy(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "docstore", critical: true, err: errors.New("down")})
	m.Register(&stubChecker{name: "redis"})

	overall := m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, m.Ready(context.Background()))
}

func TestHandler_ReportsComponents(t *testing.T) {
	m := NewManager(nil)
	m.Register(&stubChecker{name: "docstore", critical: true})
	m.Register(&stubChecker{name: "model_service", err: errors.New("timeout")})

	srv := httptest.NewServer(Handler(m))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status     string                 `json:"status"`
		Components map[string]CheckResult `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "timeout", body.Components["model_service"].Error)

	ready, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestHTTPChecker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPChecker("model_service", srv.URL+"/health", false)
	err := c.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 500")
}
