package handlers

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"besitos-engine/config"
	"besitos-engine/db"
	"besitos-engine/logger"
	"besitos-engine/middleware"
	"besitos-engine/notifications"
	"besitos-engine/services"
)

const gatewayToken = "gw-secret"

type testServer struct {
	app    *fiber.App
	engine *services.Engine
	tokens *middleware.StreamTokens
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, db.Migrate(conn))
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	clock := clockwork.NewFakeClockAt(time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC))
	log := logger.NewNop()
	broker := notifications.NewBroker(log, 8)
	engine, err := services.NewEngine(conn, config.Default(), clock, broker, log)
	require.NoError(t, err)
	tokens, err := middleware.NewStreamTokens("stream-key", time.Minute, clock)
	require.NoError(t, err)

	app := fiber.New()
	app.Use(middleware.GatewayAuthMiddleware(gatewayToken, log))
	Setup(app, engine, broker, tokens, log)
	return &testServer{app: app, engine: engine, tokens: tokens}
}

type call struct {
	method string
	path   string
	body   any
	user   string
	roles  string
}

func (s *testServer) do(t *testing.T, c call) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if c.body != nil {
		raw, err := json.Marshal(c.body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(c.method, c.path, reader)
	req.Header.Set("Authorization", "Bearer "+gatewayToken)
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}
	if c.roles != "" {
		req.Header.Set("X-User-Roles", c.roles)
	}
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func badgeBody(name string, cost int64) map[string]any {
	return map[string]any{
		"name": name,
		"type": "badge",
		"metadata": map[string]any{
			"type":  "badge",
			"badge": map[string]any{"icon": "⭐", "rarity": "rare"},
		},
		"cost": cost,
	}
}

func TestGatewayAndIdentityAreRequired(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/s/user/balance", nil)
	status, _ := s.send(t, req)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = s.do(t, call{method: "GET", path: "/s/user/balance"})
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, body := s.do(t, call{method: "GET", path: "/healthz"})
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestActionCreditsBalance(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, call{method: "POST", path: "/s/actions", body: map[string]string{"action": "message"}, user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 10, body["awarded"])
	assert.EqualValues(t, 10, body["balance"])

	status, body = s.do(t, call{method: "GET", path: "/s/user/balance", user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 10, body["balance"])
	assert.EqualValues(t, 10, body["total_earned"])

	status, body = s.do(t, call{method: "GET", path: "/s/user/history", user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["transactions"], 1)

	status, body = s.do(t, call{method: "GET", path: "/s/user/streak", user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	assert.EqualValues(t, 1, body["current"])

	status, body = s.do(t, call{method: "POST", path: "/s/actions", body: map[string]string{"action": "  "}, user: "alice"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.NotEmpty(t, body["issues"])
}

func TestAdminRoutesNeedRole(t *testing.T) {
	s := newTestServer(t)
	level := map[string]any{"name": "Novice", "min_balance": 0, "order_index": 1}

	status, _ := s.do(t, call{method: "POST", path: "/s/admin/levels", body: level, user: "mod"})
	assert.Equal(t, fiber.StatusForbidden, status)

	status, body := s.do(t, call{method: "POST", path: "/s/admin/levels", body: level, user: "mod", roles: "admin"})
	require.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "Novice", body["name"])

	status, body = s.do(t, call{method: "POST", path: "/s/admin/levels", body: map[string]any{"name": "", "min_balance": -1, "order_index": 2}, user: "mod", roles: "admin"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.GreaterOrEqual(t, len(body["issues"].([]any)), 2)
}

func TestPurchaseStatusCodes(t *testing.T) {
	s := newTestServer(t)
	admin := call{user: "mod", roles: "admin"}

	create := func(body map[string]any) string {
		c := admin
		c.method, c.path, c.body = "POST", "/s/admin/rewards", body
		status, out := s.do(t, c)
		require.Equal(t, fiber.StatusCreated, status, out)
		return out["id"].(string)
	}
	cheap := create(badgeBody("Cheap", 5))
	pricey := create(badgeBody("Pricey", 500))
	locked := badgeBody("Locked", 1)
	locked["unlock"] = map[string]any{"type": "currency_threshold", "amount": 1000}
	lockedID := create(locked)

	_, _ = s.do(t, call{method: "POST", path: "/s/actions", body: map[string]string{"action": "message"}, user: "alice"})

	status, _ := s.do(t, call{method: "POST", path: "/s/user/rewards/" + pricey + "/purchase", user: "alice"})
	assert.Equal(t, fiber.StatusPaymentRequired, status)

	status, _ = s.do(t, call{method: "POST", path: "/s/user/rewards/" + lockedID + "/purchase", user: "alice"})
	assert.Equal(t, fiber.StatusLocked, status)

	status, body := s.do(t, call{method: "POST", path: "/s/user/rewards/" + cheap + "/purchase", user: "alice"})
	require.Equal(t, fiber.StatusCreated, status)
	assert.NotNil(t, body["transaction"])

	status, _ = s.do(t, call{method: "POST", path: "/s/user/rewards/" + cheap + "/purchase", user: "alice"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = s.do(t, call{method: "POST", path: "/s/user/rewards/missing/purchase", user: "alice"})
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body = s.do(t, call{method: "GET", path: "/s/user/rewards/" + lockedID + "/unlock", user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["unlocked"])

	status, body = s.do(t, call{method: "GET", path: "/s/user/rewards", user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["catalog"], 3)
	assert.Len(t, body["owned"], 1)

	status, body = s.do(t, call{method: "GET", path: "/s/admin/accounts/alice/reconcile", user: "mod", roles: "admin"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["consistent"])
	assert.EqualValues(t, 5, body["balance"])
}

func TestMissionFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	mission := map[string]any{
		"name":           "First Words",
		"type":           "one_time",
		"criteria":       map[string]any{"type": "one_time", "one_time": map[string]any{"action": "message"}},
		"reward_besitos": 40,
	}
	status, body := s.do(t, call{method: "POST", path: "/s/admin/missions", body: mission, user: "mod", roles: "admin"})
	require.Equal(t, fiber.StatusCreated, status, body)
	id := body["id"].(string)

	status, _ = s.do(t, call{method: "POST", path: "/s/user/missions/" + id + "/claim", user: "bob"})
	assert.Equal(t, fiber.StatusConflict, status)

	status, _ = s.do(t, call{method: "POST", path: "/s/user/missions/" + id + "/start", user: "bob"})
	require.Equal(t, fiber.StatusCreated, status)
	status, _ = s.do(t, call{method: "POST", path: "/s/user/missions/" + id + "/start", user: "bob"})
	assert.Equal(t, fiber.StatusConflict, status)

	_, _ = s.do(t, call{method: "POST", path: "/s/actions", body: map[string]string{"action": "message"}, user: "bob"})

	status, body = s.do(t, call{method: "POST", path: "/s/user/missions/" + id + "/claim", user: "bob"})
	require.Equal(t, fiber.StatusOK, status, body)
	assert.NotNil(t, body["transaction"])

	status, _ = s.do(t, call{method: "POST", path: "/s/user/missions/" + id + "/claim", user: "bob"})
	assert.Equal(t, fiber.StatusConflict, status)

	// claimed one-time missions drop out of the available list
	status, body = s.do(t, call{method: "GET", path: "/s/user/missions", user: "bob"})
	require.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, body["missions"])

	balance, err := s.engine.Ledger.Balance(context.Background(), "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 50, balance)
}

func TestAdminGrantBesitos(t *testing.T) {
	s := newTestServer(t)
	status, body := s.do(t, call{method: "POST", path: "/s/admin/besitos/grant", body: map[string]any{"account_id": "carol", "amount": 75, "reason": "contest"}, user: "mod", roles: "admin"})
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.EqualValues(t, 75, body["amount"])

	status, _ = s.do(t, call{method: "POST", path: "/s/admin/besitos/grant", body: map[string]any{"account_id": "carol", "amount": 0}, user: "mod", roles: "admin"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestTemplatesOverHTTP(t *testing.T) {
	s := newTestServer(t)
	_, err := s.engine.Templates.SeedBuiltins(context.Background())
	require.NoError(t, err)
	admin := call{user: "mod", roles: "admin"}

	c := admin
	c.method, c.path = "GET", "/s/admin/templates"
	status, body := s.do(t, c)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, body["templates"], 3)

	c.method, c.path, c.body = "POST", "/s/admin/templates/daily-reactions/apply", map[string]any{"prefix": "Spring"}
	status, body = s.do(t, c)
	require.Equal(t, fiber.StatusCreated, status, body)
	assert.Empty(t, body["errors"])

	status, body = s.do(t, c)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.NotEmpty(t, body["errors"])

	c.path = "/s/admin/templates/nope/apply"
	status, _ = s.do(t, c)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestTemplateBundleUpload(t *testing.T) {
	s := newTestServer(t)

	var bundle bytes.Buffer
	zw := zip.NewWriter(&bundle)
	w, err := zw.Create("bundle/quick-win.yaml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`
name: quick-win
system:
  mission:
    name: Quick Win
    type: one_time
    criteria:
      type: one_time
      one_time: {}
    reward_besitos: 5
`))
	require.NoError(t, err)
	w, err = zw.Create("bundle/README.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("ignored"))
	require.NoError(t, zw.Close())

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreateFormFile("bundle", "templates.zip")
	require.NoError(t, err)
	_, err = part.Write(bundle.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/s/admin/templates/bundle", &form)
	req.Header.Set("Authorization", gatewayToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "mod")
	req.Header.Set("X-User-Roles", "admin")
	status, body := s.send(t, req)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, []any{"quick-win@1"}, body["registered"])
}

func TestSystemCreationReportsIssues(t *testing.T) {
	s := newTestServer(t)
	spec := map[string]any{
		"mission": map[string]any{
			"name":     "Bad",
			"type":     "daily",
			"criteria": map[string]any{"type": "daily", "daily": map[string]any{"target": 0}},
		},
	}
	status, body := s.do(t, call{method: "POST", path: "/s/admin/systems/mission", body: spec, user: "mod", roles: "admin"})
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.NotEmpty(t, body["errors"])
}

func TestStreamTokenAndAuth(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, call{method: "GET", path: "/s/user/notifications/token", user: "alice"})
	require.Equal(t, fiber.StatusOK, status)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	id, err := s.tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	status, _ = s.do(t, call{method: "GET", path: "/notifications/stream"})
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = s.do(t, call{method: "GET", path: "/notifications/stream?token=garbage"})
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestPumpWritesEvents(t *testing.T) {
	events := make(chan notifications.Notification, 2)
	events <- notifications.Notification{Kind: notifications.KindLevelUp, AccountID: "alice", LevelName: "Regular"}
	events <- notifications.Notification{Kind: notifications.KindStreakMilestone, AccountID: "alice", Streak: 7}
	close(events)

	var out bytes.Buffer
	w := bufio.NewWriter(&out)
	require.NoError(t, pumpNotifications(w, events, nil))

	text := out.String()
	assert.True(t, strings.HasPrefix(text, ":\n\n"))
	assert.Contains(t, text, "event: level_up\ndata: {")
	assert.Contains(t, text, `"level_name":"Regular"`)
	assert.Contains(t, text, "event: streak_milestone\n")
	assert.Equal(t, 2, strings.Count(text, "data: "))
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		services.ErrValidation:          fiber.StatusBadRequest,
		services.ErrInsufficientBalance: fiber.StatusPaymentRequired,
		services.ErrNotFound:            fiber.StatusNotFound,
		services.ErrAlreadyStarted:      fiber.StatusConflict,
		services.ErrAlreadyClaimed:      fiber.StatusConflict,
		services.ErrAlreadyOwned:        fiber.StatusConflict,
		services.ErrMissionNotCompleted: fiber.StatusConflict,
		services.ErrNotPurchasable:      fiber.StatusConflict,
		services.ErrLevelInUse:          fiber.StatusConflict,
		services.ErrLockedReward:        fiber.StatusLocked,
		services.ErrTransactionAborted:  fiber.StatusInternalServerError,
	}
	for err, want := range cases {
		wrapped := fmt.Errorf("op: %w", err)
		assert.Equal(t, want, statusFor(wrapped), err.Error())
	}
}
