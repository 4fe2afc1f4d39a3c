package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"besitos-engine/logger"
	"besitos-engine/middleware"
	"besitos-engine/models"
	"besitos-engine/services"
	"besitos-engine/utils"
)

// SetupAdminRoutes registers the configuration and operator calls. Every route
// requires the admin role forwarded by the gateway.
func SetupAdminRoutes(app *fiber.App, engine *services.Engine, log *logger.Logger) {
	log = log.With("component", "AdminRoutes")
	admin := app.Group("/s/admin", middleware.RequireRole(middleware.RoleAdmin))

	// --- Levels ---
	admin.Get("/levels", func(c *fiber.Ctx) error {
		levels, err := engine.Levels.ListLevels(c.UserContext(), c.QueryBool("include_inactive"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"levels": levels})
	})

	admin.Post("/levels", func(c *fiber.Ctx) error {
		var spec models.LevelSpec
		if err := c.BodyParser(&spec); err != nil {
			return badRequest(c, "invalid request body")
		}
		lvl, err := engine.Levels.CreateLevel(c.UserContext(), spec)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(lvl)
	})

	admin.Put("/levels/:id", func(c *fiber.Ctx) error {
		var spec models.LevelSpec
		if err := c.BodyParser(&spec); err != nil {
			return badRequest(c, "invalid request body")
		}
		lvl, err := engine.Levels.UpdateLevel(c.UserContext(), c.Params("id"), spec)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(lvl)
	})

	admin.Delete("/levels/:id", func(c *fiber.Ctx) error {
		if err := engine.Levels.DeleteLevel(c.UserContext(), c.Params("id")); err != nil {
			return respondError(c, log, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	// --- Missions ---
	admin.Get("/missions", func(c *fiber.Ctx) error {
		missions, err := engine.Missions.ListMissions(c.UserContext(), c.QueryBool("active_only"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"missions": missions})
	})

	admin.Post("/missions", func(c *fiber.Ctx) error {
		var req missionRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		m, err := engine.Missions.CreateMission(c.UserContext(), req.MissionSpec, req.BonusRewardIDs)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(m)
	})

	admin.Put("/missions/:id", func(c *fiber.Ctx) error {
		var req missionRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		m, err := engine.Missions.UpdateMission(c.UserContext(), c.Params("id"), req.MissionSpec, req.BonusRewardIDs)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(m)
	})

	admin.Delete("/missions/:id", func(c *fiber.Ctx) error {
		if err := engine.Missions.DeactivateMission(c.UserContext(), c.Params("id")); err != nil {
			return respondError(c, log, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	// --- Rewards ---
	admin.Post("/rewards", func(c *fiber.Ctx) error {
		var req rewardRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		r, err := engine.Rewards.CreateReward(c.UserContext(), req.RewardDefinition, req.Unlock)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(r)
	})

	admin.Put("/rewards/:id", func(c *fiber.Ctx) error {
		var req rewardRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		r, err := engine.Rewards.UpdateReward(c.UserContext(), c.Params("id"), req.RewardDefinition, req.Unlock)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(r)
	})

	admin.Delete("/rewards/:id", func(c *fiber.Ctx) error {
		if err := engine.Rewards.DeactivateReward(c.UserContext(), c.Params("id")); err != nil {
			return respondError(c, log, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	admin.Post("/rewards/:id/grant", func(c *fiber.Ctx) error {
		var req struct {
			AccountID string `json:"account_id"`
		}
		if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.AccountID) == "" {
			return badRequest(c, "account_id is required")
		}
		g, err := engine.GrantReward(c.UserContext(), req.AccountID, c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"granted": g.Granted, "reward": g.Reward, "user_reward": g.UserReward})
	})

	// --- Systems ---
	admin.Post("/systems/mission", func(c *fiber.Ctx) error {
		var spec models.MissionSystemSpec
		if err := c.BodyParser(&spec); err != nil {
			return badRequest(c, "invalid request body")
		}
		res, err := engine.Orchestrator.CreateMissionSystem(c.UserContext(), spec)
		return respondSystem(c, log, res, err)
	})

	admin.Post("/systems/reward", func(c *fiber.Ctx) error {
		var spec models.RewardSystemSpec
		if err := c.BodyParser(&spec); err != nil {
			return badRequest(c, "invalid request body")
		}
		res, err := engine.Orchestrator.CreateRewardSystem(c.UserContext(), spec)
		return respondSystem(c, log, res, err)
	})

	// --- Templates ---
	admin.Get("/templates", func(c *fiber.Ctx) error {
		templates, err := engine.Templates.List(c.UserContext())
		if err != nil {
			return respondError(c, log, err)
		}
		return c.JSON(fiber.Map{"templates": templates})
	})

	admin.Post("/templates", func(c *fiber.Ctx) error {
		var def models.TemplateDefinition
		if strings.Contains(c.Get(fiber.HeaderContentType), "yaml") {
			parsed, err := services.ParseTemplate(c.Body())
			if err != nil {
				return respondError(c, log, err)
			}
			def = parsed
		} else if err := c.BodyParser(&def); err != nil {
			return badRequest(c, "invalid request body")
		}
		t, created, err := engine.Templates.Register(c.UserContext(), def)
		if err != nil {
			return respondError(c, log, err)
		}
		status := fiber.StatusOK
		if created {
			status = fiber.StatusCreated
		}
		return c.Status(status).JSON(t)
	})

	admin.Post("/templates/bundle", func(c *fiber.Ctx) error {
		fileHeader, err := c.FormFile("bundle")
		if err != nil {
			return badRequest(c, "multipart field 'bundle' is required")
		}
		data, err := utils.ReadUpload(fileHeader, utils.MaxBundleSize)
		if err != nil {
			return badRequest(c, err.Error())
		}
		res, err := engine.Templates.Import(c.UserContext(), &utils.ZipTemplateSource{Data: data})
		if err != nil {
			return badRequest(c, err.Error())
		}
		log.Info("template bundle imported", "file", fileHeader.Filename,
			"registered", len(res.Registered), "failed", len(res.Failed))
		return c.JSON(res)
	})

	admin.Post("/templates/:name/apply", func(c *fiber.Ctx) error {
		var overrides models.TemplateOverrides
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&overrides); err != nil {
				return badRequest(c, "invalid request body")
			}
		}
		res, err := engine.Orchestrator.ApplyTemplate(c.UserContext(), c.Params("name"), overrides)
		return respondSystem(c, log, res, err)
	})

	// --- Accounts ---
	admin.Post("/besitos/grant", func(c *fiber.Ctx) error {
		var req struct {
			AccountID string `json:"account_id"`
			Amount    int64  `json:"amount"`
			Reason    string `json:"reason"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		t, err := engine.GrantBesitos(c.UserContext(), req.AccountID, req.Amount, req.Reason)
		if err != nil {
			return respondError(c, log, err)
		}
		return c.Status(fiber.StatusCreated).JSON(t)
	})

	admin.Get("/accounts/:id/reconcile", func(c *fiber.Ctx) error {
		rep, err := engine.Ledger.Reconcile(c.UserContext(), c.Params("id"))
		if err != nil {
			return respondError(c, log, err)
		}
		if !rep.Consistent {
			log.Warn("ledger drift detected", "account_id", rep.AccountID,
				"balance", rep.Balance, "ledger_sum", rep.LedgerSum)
		}
		return c.JSON(rep)
	})
}

type missionRequest struct {
	models.MissionSpec
	BonusRewardIDs []string `json:"bonus_reward_ids"`
}

type rewardRequest struct {
	models.RewardDefinition
	Unlock *models.UnlockCondition `json:"unlock,omitempty"`
}

// respondSystem always returns the result body so callers see every issue.
func respondSystem(c *fiber.Ctx, log *logger.Logger, res *services.SystemResult, err error) error {
	if err == nil {
		return c.Status(fiber.StatusCreated).JSON(res)
	}
	status := statusFor(err)
	if status == fiber.StatusInternalServerError {
		log.Error("system creation aborted", "path", c.Path(), "error", err)
	}
	if res == nil {
		return respondError(c, log, err)
	}
	return c.Status(status).JSON(res)
}
