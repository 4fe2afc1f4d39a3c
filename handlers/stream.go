package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"besitos-engine/logger"
	"besitos-engine/middleware"
	"besitos-engine/notifications"
)

const streamHeartbeat = 15 * time.Second

// SetupStreamRoutes registers the notification stream. Identity comes from the
// signed ?token= issued by /s/user/notifications/token, not from gateway headers.
func SetupStreamRoutes(app *fiber.App, broker *notifications.Broker, tokens *middleware.StreamTokens, log *logger.Logger) {
	log = log.With("component", "NotificationStream")

	app.Get("/notifications/stream", middleware.SSEAuthMiddleware(tokens, log), func(c *fiber.Ctx) error {
		userID := middleware.UserID(c)

		// SSE headers
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("X-Accel-Buffering", "no") // nginx

		c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
			sub := broker.Subscribe(userID)
			defer broker.Unsubscribe(sub)
			heartbeat := time.NewTicker(streamHeartbeat)
			defer heartbeat.Stop()

			if err := pumpNotifications(w, sub.C, heartbeat.C); err != nil {
				log.Debug("stream closed", "account_id", userID, "error", err)
			}
		})
		return nil
	})
}

// pumpNotifications writes each notification as an SSE event until the
// subscription closes or the client goes away (flush fails).
func pumpNotifications(w *bufio.Writer, events <-chan notifications.Notification, heartbeat <-chan time.Time) error {
	// Initial keepalive (comment event)
	if _, err := w.WriteString(":\n\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	for {
		select {
		case n, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(n)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, payload)
		case <-heartbeat:
			w.WriteString(": ping\n\n")
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
