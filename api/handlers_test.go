package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/xp-engine/api"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/store"
	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T, withWorker bool) *httptest.Server {
	t.Helper()

	mem := store.NewMemory()
	catalog := progression.DefaultCatalog()
	levels := xp.NewLevelCache(progression.DefaultLevelSource(), time.Minute)
	rules := progression.NewRuleCache(progression.StaticRules{Set: progression.DefaultRules()}, time.Minute)
	credits := xp.NewCreditService(mem, levels)
	unlocks := xp.NewUnlockService(credits, mem, catalog)

	handler := api.NewHandler(mem, credits, unlocks, levels, rules)
	if withWorker {
		rev := api.NewRevalidator(unlocks, catalog)
		rev.Start()
		t.Cleanup(rev.Stop)
		handler.Revalidator = rev
	}

	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp
}

func createUser(t *testing.T, srv *httptest.Server, userID string) {
	t.Helper()
	resp, _ := postJSON(t, srv.URL+"/api/users", map[string]any{"user_id": userID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func creditBody(userID, key string, delta int64) map[string]any {
	return map[string]any{
		"user_id":         userID,
		"source_type":     "lesson",
		"action_type":     "completed",
		"xp_delta":        delta,
		"idempotency_key": key,
	}
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

func TestBuildKeyEndpoint(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/api/keys", map[string]any{
		"kind":       "lesson",
		"user_id":    "user-123",
		"identifier": "lesson-456",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "lesson:user-123:lesson-456:1:default", body["idempotency_key"])
}

func TestBuildKeyEndpoint_MissingFields(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/api/keys", map[string]any{"kind": "lesson"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(xp.KindValidation), body["kind"])
}

// =============================================================================
// CREDITING
// =============================================================================

func TestCreditEndpoint_NewThenIdempotent(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	key := "lesson:user-123:lesson-1:1:default"

	resp, body := postJSON(t, srv.URL+"/api/xp/credit", creditBody("user-123", key, 50))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new_event_created", body["status"])
	assert.Equal(t, float64(50), body["xp_after"])

	resp, body = postJSON(t, srv.URL+"/api/xp/credit", creditBody("user-123", key, 50))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idempotent_return", body["status"])
	assert.Equal(t, float64(50), body["xp_after"], "total must not move twice")
}

func TestCreditEndpoint_KeyReuse_409(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	key := "lesson:user-123:lesson-1:1:default"
	resp, _ := postJSON(t, srv.URL+"/api/xp/credit", creditBody("user-123", key, 50))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/api/xp/credit", creditBody("user-123", key, 500))
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(xp.KindConflictMismatch), body["kind"])
	assert.Equal(t, false, body["retryable"])
}

func TestCreditEndpoint_DeltaFromRuleTable(t *testing.T) {
	// GIVEN: No explicit xp_delta in the request
	// WHEN: The (source, action) pair has an active rule
	// THEN: The rule's points are credited

	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	body := creditBody("user-123", "lesson:user-123:lesson-1:1:default", 0)
	delete(body, "xp_delta")

	resp, decoded := postJSON(t, srv.URL+"/api/xp/credit", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(50), decoded["xp_delta_applied"], "lesson:completed awards 50")
}

func TestCreditEndpoint_NoRuleNoDelta_400(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	body := map[string]any{
		"user_id":         "user-123",
		"source_type":     "unknown",
		"action_type":     "thing",
		"idempotency_key": "unknown:user-123:thing-1:1:default",
	}
	resp, _ := postJSON(t, srv.URL+"/api/xp/credit", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreditEndpoint_BadKey_400(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, body := postJSON(t, srv.URL+"/api/xp/credit", creditBody("user-123", "free-form!", 50))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(xp.KindInvalidIdempotencyKey), body["kind"])
}

func TestCreditEndpoint_UnknownUser_404(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/api/xp/credit",
		creditBody("user-ghost", "lesson:user-ghost:lesson-1:1:default", 50))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(xp.KindProfileNotFound), body["kind"])
}

// =============================================================================
// USER STATE
// =============================================================================

func TestGetUserXP(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, _ := postJSON(t, srv.URL+"/api/xp/credit",
		creditBody("user-123", "lesson:user-123:lesson-1:1:default", 150))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dto map[string]any
	got := getJSON(t, srv.URL+"/api/users/user-123/xp", &dto)
	require.Equal(t, http.StatusOK, got.StatusCode)

	assert.Equal(t, float64(150), dto["total_xp"])
	assert.Equal(t, float64(2), dto["current_level"])
	assert.Equal(t, "Beginner", dto["level_title"])
	assert.Equal(t, float64(150), dto["xp_to_next"], "300 threshold - 150 total")
}

func TestGetUserXP_MaxLevel_XPToNextIsNull(t *testing.T) {
	// The JSON field must be literal null at the max level, never 0.
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, _ := postJSON(t, srv.URL+"/api/xp/credit",
		creditBody("user-123", "lesson:user-123:grand-total:1:default", 6000))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dto map[string]any
	getJSON(t, srv.URL+"/api/users/user-123/xp", &dto)

	assert.Equal(t, float64(10), dto["current_level"])
	val, present := dto["xp_to_next"]
	require.True(t, present, "xp_to_next must be serialized even when null")
	assert.Nil(t, val)
}

func TestGetUserEvents(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	for _, id := range []string{"lesson-1", "lesson-2"} {
		resp, _ := postJSON(t, srv.URL+"/api/xp/credit",
			creditBody("user-123", "lesson:user-123:"+id+":1:default", 10))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var events []map[string]any
	got := getJSON(t, srv.URL+"/api/users/user-123/events", &events)
	require.Equal(t, http.StatusOK, got.StatusCode)
	require.Len(t, events, 2)
	assert.Equal(t, float64(0), events[0]["xp_before"])
	assert.Equal(t, float64(10), events[1]["xp_before"])
}

// =============================================================================
// ACHIEVEMENTS
// =============================================================================

func TestUnlockEndpoint(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, _ := postJSON(t, srv.URL+"/api/xp/credit",
		creditBody("user-123", "lesson:user-123:lesson-1:1:default", 50))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/api/achievements/first-steps/unlock",
		map[string]any{"user_id": "user-123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["unlock_id"])
	assert.Equal(t, float64(75), body["xp_after"])

	// Second attempt: 409 AlreadyUnlocked.
	resp, body = postJSON(t, srv.URL+"/api/achievements/first-steps/unlock",
		map[string]any{"user_id": "user-123"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, string(xp.KindAlreadyUnlocked), body["kind"])
}

func TestUnlockEndpoint_ConditionsNotMet_422(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, body := postJSON(t, srv.URL+"/api/achievements/rising-star/unlock",
		map[string]any{"user_id": "user-123"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, string(xp.KindConditionsNotMet), body["kind"])
}

func TestUnlockEndpoint_UnknownCode_404(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, _ := postJSON(t, srv.URL+"/api/achievements/no-such-thing/unlock",
		map[string]any{"user_id": "user-123"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// LEVELS
// =============================================================================

func TestListLevels(t *testing.T) {
	srv := newTestServer(t, false)

	var levels []map[string]any
	resp := getJSON(t, srv.URL+"/api/levels", &levels)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, levels, 10)
	assert.Equal(t, "Newcomer", levels[0]["title"])
	assert.Equal(t, "Legend", levels[9]["title"])
}

func TestRefreshLevels(t *testing.T) {
	srv := newTestServer(t, false)

	resp, body := postJSON(t, srv.URL+"/api/admin/levels/refresh", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "refreshed", body["status"])
}

// =============================================================================
// REVALIDATION
// =============================================================================

func TestRevalidateEndpoint_NoWorker_503(t *testing.T) {
	srv := newTestServer(t, false)
	createUser(t, srv, "user-123")

	resp, _ := postJSON(t, srv.URL+"/api/users/user-123/revalidate", map[string]any{})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRevalidateEndpoint_SweepsAchievements(t *testing.T) {
	// GIVEN: A user qualifying for first-steps
	// WHEN: Enqueuing a revalidation sweep
	// THEN: 202 immediately, and the unlock lands in the background

	srv := newTestServer(t, true)
	createUser(t, srv, "user-123")

	resp, _ := postJSON(t, srv.URL+"/api/xp/credit",
		creditBody("user-123", "lesson:user-123:lesson-1:1:default", 50))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/api/users/user-123/revalidate", map[string]any{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "enqueued", body["status"])

	assert.Eventually(t, func() bool {
		var dto map[string]any
		r, err := http.Get(srv.URL + "/api/users/user-123/xp")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		if json.NewDecoder(r.Body).Decode(&dto) != nil {
			return false
		}
		// first-steps rewards 25 XP on top of the 50 already credited.
		return dto["total_xp"] == float64(75)
	}, 5*time.Second, 50*time.Millisecond, "background sweep should credit the reward")
}
