package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leaderboard-engine/internal/model"
	"leaderboard-engine/internal/pkg/lock"
	"leaderboard-engine/internal/repository"
	"leaderboard-engine/internal/repository/memory"
	"leaderboard-engine/internal/service"
)

const testAdminKey = "secret"

// syncTrigger reorders immediately so responses are deterministic.
type syncTrigger struct {
	ranker *service.Ranker
}

func (s *syncTrigger) Trigger(scopeID string) {
	_, _ = s.ranker.Reorder(context.Background(), scopeID)
}

type testServer struct {
	router http.Handler
}

func newTestServer(t *testing.T, limiter *RateLimiter) *testServer {
	t.Helper()

	store := memory.New()
	stores := service.Stores{
		Scopes:     store.Scopes(),
		Scores:     store.Scores(),
		Aggregates: store.Aggregates(),
		Entries:    store.Entries(),
	}
	scores := service.NewScoreService(stores.Scopes, stores.Scores, 10)
	agg := service.NewAggregator(stores.Scopes, stores.Scores, stores.Aggregates, service.AggregatorConfig{Retries: 3})
	ranker := service.NewRanker(stores.Scopes, stores.Aggregates, stores.Entries, time.Second)
	trigger := &syncTrigger{ranker: ranker}
	lb := service.NewLeaderboardService(stores, scores, agg, ranker, trigger, service.PageLimits{Default: 10, Max: 50})
	scopes := service.NewScopeService(stores.Scopes, trigger, ranker)

	router := NewRouter(RouterConfig{
		Handler:  NewHandler(lb, scopes, store.HealthCheck, testAdminKey),
		Limiter:  limiter,
		Gatherer: prometheus.NewRegistry(),
	})
	return &testServer{router: router}
}

func (s *testServer) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set(AdminKeyHeader, testAdminKey)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createScope(t *testing.T, id string, policy model.Policy) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/scopes", map[string]any{"id": id, "name": id, "policy": policy}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) submit(t *testing.T, userID int64, scopeID string, score int64, at time.Time) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/scores", map[string]any{
		"user_id": userID, "scope_id": scopeID, "score": score, "verified": true, "played_at": at,
	}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestHealth_Unhealthy(t *testing.T) {
	h := NewHandler(nil, nil, func(context.Context) error { return errors.New("down") }, "")
	router := NewRouter(RouterConfig{Handler: h, Gatherer: prometheus.NewRegistry()})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestScopes_AdminLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	body := map[string]any{"id": "snake", "name": "Snake", "policy": "max"}

	rec := s.do(t, http.MethodPost, "/scopes", body, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/scopes", body, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	scope := decode[model.Scope](t, rec)
	assert.Equal(t, model.PolicyMax, scope.Policy)
	assert.Equal(t, model.TieBreakEarliest, scope.TieBreak)
	assert.True(t, scope.Active)

	rec = s.do(t, http.MethodPost, "/scopes", body, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/scopes", map[string]any{"id": "Bad Id!", "name": "x"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/scopes/snake", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPatch, "/scopes/snake", map[string]any{"active": false}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[model.Scope](t, rec).Active)

	rec = s.do(t, http.MethodGet, "/scopes?active=true", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]model.Scope](t, rec)["scopes"])

	rec = s.do(t, http.MethodPatch, "/scopes/snake", map[string]any{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodDelete, "/scopes/snake", nil, true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/scopes/snake", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitScore_VerifiedRequiresAdminKey(t *testing.T) {
	s := newTestServer(t, nil)
	s.createScope(t, "snake", model.PolicySum)

	body := map[string]any{"user_id": 1, "scope_id": "snake", "score": 10, "verified": true}
	rec := s.do(t, http.MethodPost, "/scores", body, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body["verified"] = false
	rec = s.do(t, http.MethodPost, "/scores", body, false)
	require.Equal(t, http.StatusCreated, rec.Code)
	result := decode[service.SubmitResult](t, rec)
	assert.False(t, result.Event.Verified)
	assert.Nil(t, result.Aggregate)
}

func TestSubmitScore_Rejections(t *testing.T) {
	s := newTestServer(t, nil)
	s.createScope(t, "snake", model.PolicySum)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown field", map[string]any{"user_id": 1, "scope_id": "snake", "bogus": true}, http.StatusBadRequest},
		{"bad user", map[string]any{"user_id": 0, "scope_id": "snake", "score": 1}, http.StatusBadRequest},
		{"negative score", map[string]any{"user_id": 1, "scope_id": "snake", "score": -5}, http.StatusBadRequest},
		{"negative duration", map[string]any{"user_id": 1, "scope_id": "snake", "score": 5, "duration_ms": -1}, http.StatusBadRequest},
		{"unknown scope", map[string]any{"user_id": 1, "scope_id": "chess", "score": 5}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/scores", tt.body, true)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestLeaderboard_RankingAndPaging(t *testing.T) {
	s := newTestServer(t, nil)
	s.createScope(t, "snake", model.PolicySum)

	s.submit(t, 1, "snake", 50, t0)
	s.submit(t, 2, "snake", 80, t0.Add(time.Minute))
	s.submit(t, 3, "snake", 50, t0.Add(2*time.Minute))
	s.submit(t, 1, "snake", 40, t0.Add(3*time.Minute))

	rec := s.do(t, http.MethodGet, "/leaderboards/snake?page=1&page_size=2", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[model.Page](t, rec)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, int64(1), page.Entries[0].UserID)
	assert.Equal(t, int64(90), page.Entries[0].TotalScore)
	assert.Equal(t, int64(2), page.Entries[1].UserID)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake?page=2&page_size=2", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[model.Page](t, rec)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, 3, page.Entries[0].Rank)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake?page=abc", nil, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/leaderboards/chess", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaderboard_UserEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.createScope(t, "snake", model.PolicyMax)

	s.submit(t, 7, "snake", 30, t0)
	s.submit(t, 7, "snake", 90, t0.Add(time.Hour))
	s.submit(t, 7, "snake", 60, t0.Add(2*time.Hour))

	rec := s.do(t, http.MethodGet, "/leaderboards/snake/users/7", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[model.LeaderboardEntry](t, rec)
	assert.Equal(t, 1, entry.Rank)
	assert.Equal(t, int64(90), entry.TotalScore)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake/users/8", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake/users/7/stats", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	agg := decode[model.Aggregate](t, rec)
	assert.Equal(t, int64(3), agg.GamesPlayed)
	assert.Equal(t, int64(90), agg.HighScore)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake/users/7/events?limit=2", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[map[string][]model.ScoreEvent](t, rec)["events"]
	require.Len(t, history, 2)
	assert.Equal(t, int64(90), history[0].Score)
	assert.Equal(t, int64(60), history[1].Score)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake/users/abc", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code, "non-numeric ids do not match the route")
}

func TestRecompute(t *testing.T) {
	s := newTestServer(t, nil)
	s.createScope(t, "snake", model.PolicySum)
	s.submit(t, 1, "snake", 10, t0)

	rec := s.do(t, http.MethodPost, "/leaderboards/snake/recompute", nil, false)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/leaderboards/snake/recompute", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["participants"])

	rec = s.do(t, http.MethodPost, "/leaderboards/chess/recompute", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInactiveScopeHidesBoard(t *testing.T) {
	s := newTestServer(t, nil)
	s.createScope(t, "snake", model.PolicySum)
	s.submit(t, 1, "snake", 10, t0)

	rec := s.do(t, http.MethodPatch, "/scopes/snake", map[string]any{"active": false}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[model.Page](t, rec).Entries)

	rec = s.do(t, http.MethodPatch, "/scopes/snake", map[string]any{"active": true}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/leaderboards/snake", nil, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[model.Page](t, rec).Entries, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/metrics", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPut, "/scores", nil, false)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimiter(t *testing.T) {
	s := newTestServer(t, NewRateLimiter(1, 2, nil))
	s.createScope(t, "snake", model.PolicySum)

	// createScope spent one token.
	rec := s.do(t, http.MethodGet, "/scopes", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/scopes", nil, false)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Health is outside the limited tree.
	rec = s.do(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimiter_PerClientAndCleanup(t *testing.T) {
	l := NewRateLimiter(1, 1, nil)
	h := l.Middleware(okHandler)

	call := func(ip string) int {
		return serveFrom(h, ip+":4000", "")
	}

	assert.Equal(t, http.StatusOK, call("1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("1.1.1.1"))
	assert.Equal(t, http.StatusOK, call("2.2.2.2"))

	l.cleanup(time.Now().Add(time.Hour))
	l.mu.Lock()
	assert.Empty(t, l.visitors)
	l.mu.Unlock()
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

func serveFrom(h http.Handler, remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiter_IgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	h := NewRateLimiter(1, 1, nil).Middleware(okHandler)

	assert.Equal(t, http.StatusOK, serveFrom(h, "203.0.113.7:5000", "1.1.1.1"))
	// A fresh header value does not buy a fresh bucket.
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "203.0.113.7:5000", "2.2.2.2"))
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "203.0.113.7:5001", ""))
}

func TestRateLimiter_TrustedProxy(t *testing.T) {
	ips, err := NewIPResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	h := NewRateLimiter(1, 1, ips).Middleware(okHandler)

	assert.Equal(t, http.StatusOK, serveFrom(h, "10.0.0.1:80", "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "10.0.0.2:80", "1.1.1.1"))
	assert.Equal(t, http.StatusOK, serveFrom(h, "10.0.0.1:80", "2.2.2.2"))
	// A client-supplied prefix in front of the proxy's entry is ignored.
	assert.Equal(t, http.StatusTooManyRequests, serveFrom(h, "10.0.0.1:80", "9.9.9.9, 2.2.2.2"))
}

func TestIPResolver_ClientIP(t *testing.T) {
	ips, err := NewIPResolver([]string{"10.0.0.0/8", "192.168.1.1"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"direct client", "203.0.113.7:5000", "", "203.0.113.7"},
		{"untrusted peer with header", "203.0.113.7:5000", "1.1.1.1", "203.0.113.7"},
		{"trusted peer", "10.1.2.3:80", "1.1.1.1", "1.1.1.1"},
		{"chain of proxies", "192.168.1.1:80", "1.1.1.1, 10.0.0.5", "1.1.1.1"},
		{"trusted peer without header", "10.1.2.3:80", "", "10.1.2.3"},
		{"garbage hop", "10.1.2.3:80", "1.1.1.1, not-an-ip", "10.1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, ips.ClientIP(req))
		})
	}

	_, err = NewIPResolver([]string{"not-a-cidr/99"})
	assert.Error(t, err)
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 0, nil)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for range 100 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAdminOnly_EmptyKeyDisablesAdmin(t *testing.T) {
	h := AdminOnly("", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/scopes", nil)
	req.Header.Set(AdminKeyHeader, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{repository.ErrScopeExists, http.StatusConflict},
		{repository.ErrScopeNotFound, http.StatusNotFound},
		{service.ErrUnknownScope, http.StatusNotFound},
		{service.ErrNegativeScore, http.StatusBadRequest},
		{repository.ErrVersionConflict, http.StatusConflict},
		{fmt.Errorf("save: %w", model.ErrStoreUnavailable), http.StatusServiceUnavailable},
		{lock.ErrLockTimeout, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}
