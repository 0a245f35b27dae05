package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"risk-sentinel/internal/risk"
)

type stubEngine struct {
	tickRes  risk.TickResult
	tickErr  error
	state    risk.StateView
	stateErr error
	patched  map[string]any
	killed   bool
	unlocked bool
	reset    bool
	panics   bool
}

func (s *stubEngine) Tick(ctx context.Context) (risk.TickResult, error) {
	if s.panics {
		panic("boom")
	}
	return s.tickRes, s.tickErr
}

func (s *stubEngine) State(ctx context.Context) (risk.StateView, error) {
	return s.state, s.stateErr
}

func (s *stubEngine) ApplyConfigPatch(ctx context.Context, patch map[string]any) ([]string, error) {
	s.patched = patch
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *stubEngine) Kill(ctx context.Context) (risk.Summary, error) {
	s.killed = true
	return risk.Summary{Reason: "admin_kill", Cancelled: 2, Squared: 1}, nil
}

func (s *stubEngine) Unlock(ctx context.Context) error {
	s.unlocked = true
	return nil
}

func (s *stubEngine) Reset(ctx context.Context) error {
	s.reset = true
	return nil
}

var testSecret = []byte("test-secret")

func adminToken(t *testing.T, secret []byte) string {
	t.Helper()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	signed, err := tok.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestTickEndpoint(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{tickRes: risk.TickResult{OK: true, Processed: 3, KiteStatus: "ok"}}
	h := New(eng, testSecret).Router()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/tick", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	// The tick result is the response body, not nested under a key.
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, float64(3), body["processed"])
	assert.Equal(t, "ok", body["kite_status"])
}

func TestTickEndpointStoreFailure(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{tickErr: assert.AnError}
	h := New(eng, testSecret).Router()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/tick", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])
}

func TestStateEndpoint(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{state: risk.StateView{Date: "2026-09-01", TotalPnL: 140}}
	h := New(eng, testSecret).Router()

	rec, body := doJSON(t, h, http.MethodGet, "/v1/state", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	state := body["state"].(map[string]any)
	assert.Equal(t, "2026-09-01", state["date"])
	assert.Equal(t, float64(140), state["total_pnl"])
}

func TestAdminRequiresToken(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{}
	h := New(eng, testSecret).Router()

	for _, path := range []string{"/v1/admin/config", "/v1/admin/kill", "/v1/admin/unlock", "/v1/admin/reset"} {
		rec, body := doJSON(t, h, http.MethodPost, path, "", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
		assert.Equal(t, false, body["ok"])
	}
	assert.False(t, eng.killed)
	assert.False(t, eng.unlocked)
	assert.False(t, eng.reset)
}

func TestAdminRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	h := New(&stubEngine{}, testSecret).Router()

	token := adminToken(t, []byte("other-secret"))
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/admin/kill", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRejectsWhenSecretUnset(t *testing.T) {
	t.Parallel()
	h := New(&stubEngine{}, nil).Router()

	token := adminToken(t, testSecret)
	rec, _ := doJSON(t, h, http.MethodPost, "/v1/admin/kill", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminConfig(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{}
	h := New(eng, testSecret).Router()
	token := adminToken(t, testSecret)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/admin/config", token,
		map[string]any{"max_loss_abs": 2500})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, map[string]any{"max_loss_abs": float64(2500)}, eng.patched)
}

func TestAdminConfigBadJSON(t *testing.T) {
	t.Parallel()
	h := New(&stubEngine{}, testSecret).Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/config", bytes.NewBufferString("{nope"))
	req.Header.Set("Authorization", "Bearer "+adminToken(t, testSecret))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminKillUnlockReset(t *testing.T) {
	t.Parallel()
	eng := &stubEngine{}
	h := New(eng, testSecret).Router()
	token := adminToken(t, testSecret)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/admin/kill", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	summary := body["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["cancelled"])
	assert.True(t, eng.killed)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/admin/unlock", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.unlocked)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/admin/reset", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, eng.reset)
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()
	h := New(&stubEngine{panics: true}, testSecret).Router()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/tick", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, body["ok"])
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := New(&stubEngine{}, testSecret).Router()
	rec, _ := doJSON(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
