package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminders/internal/auth"
	"reminders/internal/config"
	"reminders/internal/reminder"
	"reminders/internal/storage/sqlite"
)

const apiKey = "let-me-in"

type testAPI struct {
	t     *testing.T
	srv   http.Handler
	token string
}

func newTestAPI(t *testing.T, withAuth bool) *testAPI {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	policy, err := reminder.NewTimePolicy("Asia/Kolkata")
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC))
	svc := &reminder.Service{Repo: st, Policy: policy, Clock: mock}

	var (
		cfg    config.Config
		jwtSvc *auth.JWT
	)
	if withAuth {
		hash, err := auth.HashAPIKey(apiKey)
		require.NoError(t, err)
		cfg.AdminAPIKeyHash = hash
		jwtSvc = auth.NewJWT("s3cret")
	}
	return &testAPI{t: t, srv: NewRouter(cfg, svc, jwtSvc, zerolog.Nop())}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	rec := httptest.NewRecorder()
	a.srv.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func feedbackReminder() map[string]any {
	return map[string]any{
		"entity_type":      "interviewer",
		"entity_id":        "42",
		"event_type":       "feedback_form",
		"channel":          "email",
		"recipients":       []string{"jo@example.com"},
		"metadata":         map[string]any{"round": 2},
		"schedule_type":    "recurring",
		"interval_minutes": 60,
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, true)
	rec := api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAuthToken(t *testing.T) {
	api := newTestAPI(t, true)

	rec := api.do(http.MethodGet, "/reminders", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/auth/token", map[string]string{"api_key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/auth/token", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPost, "/auth/token", map[string]string{"api_key": apiKey})
	require.Equal(t, http.StatusOK, rec.Code)
	api.token = decode(t, rec)["token"].(string)

	rec = api.do(http.MethodGet, "/reminders", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReminderLifecycle(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(http.MethodPost, "/reminders", feedbackReminder())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "ACTIVE", created["status"])
	assert.Equal(t, "2025-05-10T10:00:00Z", created["next_run_at"])
	assert.Equal(t, map[string]any{"round": float64(2)}, created["metadata"])

	rec = api.do(http.MethodPost, "/reminders", feedbackReminder())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["id"])

	rec = api.do(http.MethodGet, "/reminders/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodPost, "/reminders/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	paused := decode(t, rec)
	assert.Equal(t, "PAUSED", paused["status"])
	assert.Nil(t, paused["next_run_at"])

	rec = api.do(http.MethodPost, "/reminders/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(http.MethodPost, "/reminders/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ACTIVE", decode(t, rec)["status"])

	rec = api.do(http.MethodDelete, "/reminders/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", decode(t, rec)["status"])

	rec = api.do(http.MethodGet, "/reminders/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(http.MethodPost, "/reminders/"+id+"/resume", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateReminder_Invalid(t *testing.T) {
	api := newTestAPI(t, false)

	past := feedbackReminder()
	past["start_time"] = "2025-05-10T08:00:00Z"
	rec := api.do(http.MethodPost, "/reminders", past)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "past")

	noInterval := feedbackReminder()
	delete(noInterval, "interval_minutes")
	rec = api.do(http.MethodPost, "/reminders", noInterval)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/reminders", bytes.NewBufferString("{"))
	out := httptest.NewRecorder()
	api.srv.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestListReminders(t *testing.T) {
	api := newTestAPI(t, false)

	a := feedbackReminder()
	rec := api.do(http.MethodPost, "/reminders", a)
	require.Equal(t, http.StatusCreated, rec.Code)
	firstID := decode(t, rec)["id"].(string)

	b := feedbackReminder()
	b["entity_id"] = "43"
	require.Equal(t, http.StatusCreated, api.do(http.MethodPost, "/reminders", b).Code)
	require.Equal(t, http.StatusOK, api.do(http.MethodDelete, "/reminders/"+firstID, nil).Code)

	list := func(query string) []any {
		rec := api.do(http.MethodGet, "/reminders"+query, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode(t, rec)["reminders"].([]any)
	}
	assert.Len(t, list(""), 1)
	assert.Len(t, list("?include_deleted=true"), 2)
	assert.Len(t, list("?entity_id=42"), 0)
	assert.Len(t, list("?status=completed&include_deleted=true"), 1)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/reminders?status=RUNNING", nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/reminders?limit=-1", nil).Code)
}

func TestFlags(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(http.MethodGet, "/flags/feedback:42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(http.MethodPut, "/flags/feedback:42", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(http.MethodPut, "/flags/feedback:42", map[string]any{"value": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(http.MethodGet, "/flags/feedback:42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["value"])
}
