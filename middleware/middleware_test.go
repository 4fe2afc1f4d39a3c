package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"besitos-engine/logger"
)

func TestGatewayAuth(t *testing.T) {
	app := fiber.New()
	app.Use(GatewayAuthMiddleware("secret", logger.NewNop()))
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	cases := map[string]int{
		"":              fiber.StatusUnauthorized,
		"Bearer wrong":  fiber.StatusUnauthorized,
		"Bearer secret": fiber.StatusOK,
		"secret":        fiber.StatusOK,
	}
	for header, want := range cases {
		req := httptest.NewRequest("GET", "/ping", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, want, resp.StatusCode, header)
	}
}

func TestUserContextAndRoles(t *testing.T) {
	app := fiber.New()
	app.Use(UserContextMiddleware(logger.NewNop()))
	app.Get("/s/me", func(c *fiber.Ctx) error { return c.SendString(UserID(c)) })
	app.Get("/s/admin", RequireRole(RoleAdmin), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	resp, err := app.Test(httptest.NewRequest("GET", "/s/me", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/s/admin", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-User-Roles", "member")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)

	req.Header.Set("X-User-Roles", "member, Admin")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
}

func TestStreamTokens(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC))
	tokens, err := NewStreamTokens("k3y", time.Minute, clock)
	require.NoError(t, err)

	token, expires, err := tokens.Issue("alice")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Minute), expires)

	id, err := tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	other, err := NewStreamTokens("other", time.Minute, clock)
	require.NoError(t, err)
	_, err = other.Parse(token)
	assert.Error(t, err)

	clock.Advance(2 * time.Minute)
	_, err = tokens.Parse(token)
	assert.Error(t, err)

	_, err = NewStreamTokens(" ", time.Minute, clock)
	assert.Error(t, err)
}

func TestSSEAuthMiddleware(t *testing.T) {
	tokens, err := NewStreamTokens("k3y", time.Minute, nil)
	require.NoError(t, err)
	token, _, err := tokens.Issue("alice")
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/stream", SSEAuthMiddleware(tokens, logger.NewNop()), func(c *fiber.Ctx) error {
		return c.SendString(UserID(c))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/stream", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/stream?token=garbage", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/stream?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
