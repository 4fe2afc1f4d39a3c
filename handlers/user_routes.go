package handlers

import (
	"github.com/gofiber/fiber/v2"

	"besitos-engine/logger"
	"besitos-engine/middleware"
	"besitos-engine/models"
	"besitos-engine/services"
)

// SetupUserRoutes registers the calls a bot makes on behalf of one user.
// The gateway forwards /api/v1/besitos/s/user/... as /s/user/...
func SetupUserRoutes(app *fiber.App, engine *services.Engine, tokens *middleware.StreamTokens, log *logger.Logger) {
	log = log.With("component", "UserRoutes")
	s := app.Group("/s")

	s.Post("/actions", func(c *fiber.Ctx) error {
		var req struct {
			Action string `json:"action"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		out, err := engine.HandleAction(c.UserContext(), services.ActionEvent{
			AccountID: middleware.UserID(c),
			Action:    req.Action,
		})
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(out)
	})

	user := s.Group("/user")

	user.Get("/balance", func(c *fiber.Ctx) error {
		acct, err := engine.Ledger.EnsureAccount(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		var level *models.Level
		if acct.LevelID != nil {
			if level, err = engine.Levels.GetLevel(c.UserContext(), *acct.LevelID); err != nil {
				return respondError(c, log, err)
			}
		}
		return c.JSON(fiber.Map{
			"account_id":   acct.ID,
			"balance":      acct.Balance,
			"total_earned": acct.TotalEarned,
			"total_spent":  acct.TotalSpent,
			"level":        level,
		})
	})

	user.Get("/history", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 20)
		txs, err := engine.Ledger.History(c.UserContext(), middleware.UserID(c), limit)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"transactions": txs})
	})

	user.Get("/missions", func(c *fiber.Ctx) error {
		views, err := engine.Missions.AvailableMissions(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"missions": views})
	})

	user.Post("/missions/:id/start", func(c *fiber.Ctx) error {
		p, err := engine.StartMission(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(p)
	})

	user.Post("/missions/:id/claim", func(c *fiber.Ctx) error {
		res, err := engine.ClaimMission(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		granted := make([]models.Reward, 0, len(res.Rewards))
		for _, g := range res.Rewards {
			if g.Granted && g.Reward != nil {
				granted = append(granted, *g.Reward)
			}
		}
		return c.JSON(fiber.Map{
			"mission":     res.Mission,
			"progress":    res.Progress,
			"transaction": res.Transaction,
			"rewards":     granted,
		})
	})

	user.Get("/rewards", func(c *fiber.Ctx) error {
		filter := services.RewardFilter{ActiveOnly: true, Type: models.RewardType(c.Query("type"))}
		catalog, err := engine.Rewards.ListRewards(c.UserContext(), filter)
		if err != nil {
			return respondError(c, log, err)
		}
		owned, err := engine.Rewards.UserRewards(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"catalog": catalog, "owned": owned})
	})

	user.Get("/rewards/:id/unlock", func(c *fiber.Ctx) error {
		res, err := engine.Rewards.CheckUnlockConditions(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(res)
	})

	user.Post("/rewards/:id/purchase", func(c *fiber.Ctx) error {
		res, err := engine.Purchase(c.UserContext(), middleware.UserID(c), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"reward":      res.Reward,
			"user_reward": res.UserReward,
			"transaction": res.Transaction,
		})
	})

	user.Get("/streak", func(c *fiber.Ctx) error {
		st, err := engine.Streaks.Get(c.UserContext(), middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(st)
	})

	user.Get("/notifications/token", func(c *fiber.Ctx) error {
		token, expires, err := tokens.Issue(middleware.UserID(c))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"token": token, "expires_at": expires})
	})
}
