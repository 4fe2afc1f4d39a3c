package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"besitos-engine/logger"
)

const streamAudience = "besitos-stream"

// StreamTokens issues and checks the short-lived tokens that let a client
// open the notification stream without gateway headers.
type StreamTokens struct {
	key   []byte
	ttl   time.Duration
	clock clockwork.Clock
}

func NewStreamTokens(signingKey string, ttl time.Duration, clock clockwork.Clock) (*StreamTokens, error) {
	if strings.TrimSpace(signingKey) == "" {
		return nil, errors.New("stream tokens: signing key is required")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StreamTokens{key: []byte(signingKey), ttl: ttl, clock: clock}, nil
}

// Issue signs a token for accountID.
func (s *StreamTokens) Issue(accountID string) (string, time.Time, error) {
	now := s.clock.Now()
	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   accountID,
		Audience:  jwt.ClaimStrings{streamAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("stream tokens: sign: %w", err)
	}
	return signed, expires, nil
}

// Parse returns the account a valid token was issued for.
func (s *StreamTokens) Parse(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(streamAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("stream tokens: missing subject")
	}
	return claims.Subject, nil
}

// SSEAuthMiddleware authenticates ?token= for stream routes.
func SSEAuthMiddleware(tokens *StreamTokens, log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing token in query"})
		}
		accountID, err := tokens.Parse(token)
		if err != nil {
			log.Debug("stream token rejected", "ip", c.IP(), "error", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
		c.Locals(LocalUserID, accountID)
		return c.Next()
	}
}
