package handlers

import (
	"coach-sync-system/models"
	"coach-sync-system/services"
	"coach-sync-system/workers"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// SetupSyncRoutes exposes the ops API: enqueue sync work, inspect jobs and
// runs, and trigger one-off remote operations.
func SetupSyncRoutes(app *fiber.App, db *gorm.DB, queue *workers.Queue, client *services.MetaCTFClient) {
	app.Post("/s/sync/onboard", func(c *fiber.Ctx) error {
		var payload workers.OnboardCompetitorsPayload
		if err := c.BodyParser(&payload); err != nil && len(c.Body()) > 0 {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
		job, err := queue.Enqueue(workers.TaskOnboardCompetitors, payload)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(202).JSON(job)
	})

	app.Post("/s/sync/stats", func(c *fiber.Ctx) error {
		var payload workers.SyncStatsPayload
		if err := c.BodyParser(&payload); err != nil && len(c.Body()) > 0 {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
		// Cursor/run bookkeeping is owned by the handler, never by callers.
		payload.RunID = ""
		payload.Cursor = ""
		payload.FlashCtfEnabled = nil
		job, err := queue.Enqueue(workers.TaskSyncStats, payload)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(202).JSON(job)
	})

	app.Post("/s/sync/totals", func(c *fiber.Ctx) error {
		var payload workers.RefreshTotalsPayload
		if err := c.BodyParser(&payload); err != nil && len(c.Body()) > 0 {
			return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
		}
		payload.Cursor = ""
		job, err := queue.Enqueue(workers.TaskRefreshTotals, payload)
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(202).JSON(job)
	})

	app.Post("/s/sync/teams/:id", func(c *fiber.Ctx) error {
		job, err := queue.Enqueue(workers.TaskSyncTeam, workers.SyncTeamPayload{TeamID: c.Params("id")})
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(202).JSON(job)
	})

	app.Delete("/s/sync/teams/:id", func(c *fiber.Ctx) error {
		job, err := queue.Enqueue(workers.TaskSyncTeam, workers.SyncTeamPayload{TeamID: c.Params("id"), Delete: true})
		if err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.Status(202).JSON(job)
	})

	app.Post("/s/competitors/:id/password-reset", func(c *fiber.Ctx) error {
		var competitor models.Competitor
		if err := db.First(&competitor, "id = ?", c.Params("id")).Error; err != nil {
			return c.Status(404).JSON(fiber.Map{"error": "competitor not found"})
		}
		if competitor.SynedUserID == nil || *competitor.SynedUserID == "" {
			return c.Status(409).JSON(fiber.Map{"error": "competitor is not onboarded to MetaCTF"})
		}
		if err := client.SendPasswordReset(c.Context(), *competitor.SynedUserID); err != nil {
			return c.Status(502).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "sent"})
	})

	app.Get("/s/jobs/:id", func(c *fiber.Ctx) error {
		var job models.Job
		if err := db.First(&job, "id = ?", c.Params("id")).Error; err != nil {
			return c.Status(404).JSON(fiber.Map{"error": "job not found"})
		}
		return c.JSON(job)
	})

	app.Delete("/s/jobs/:id", func(c *fiber.Ctx) error {
		if err := queue.Cancel(c.Params("id")); err != nil {
			return c.Status(409).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "cancelled"})
	})

	app.Get("/s/sync/runs", func(c *fiber.Ctx) error {
		var runs []models.SyncRun
		if err := db.Order("created_at DESC").Limit(50).Find(&runs).Error; err != nil {
			return c.Status(500).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(runs)
	})
}
