package handlers

import (
	"weekly-tournament-system/middleware"
	"weekly-tournament-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupTournamentRoutes(app *fiber.App, scoreService *services.ScoreService, statsService *services.StatsService, streamService *services.StreamService) {
	// 🔓 Public reads — :key is a cycle key ("2026-08-30") or "current"
	app.Get("/tournaments/:key/leaderboard", statsService.GetLeaderboard)
	app.Get("/tournaments/:key/stats", statsService.GetStats)
	app.Get("/tournaments/:key/prizes", statsService.GetPrizes)
	app.Get("/tournaments/:key/leaderboard/stream", streamService.StreamLeaderboardSSE)

	// 🔐 Authenticated routes — gateway user context required
	secured := app.Group("/s", middleware.UserContextMiddleware())
	secured.Post("/tournaments/current/enter", scoreService.EnterTournament)
	secured.Post("/tournaments/current/scores", scoreService.SubmitScore)
	secured.Get("/tournaments/current/rank", scoreService.GetMyRank)

	// 🔒 Admin-only routes
	admin := secured.Group("/admin", middleware.RequireAdmin())
	admin.Post("/tournaments/ensure", statsService.TriggerEnsure)
	admin.Post("/tournaments/:key/payouts", statsService.RecordPayouts)
	admin.Post("/cache/flush/:key", statsService.AdminFlushCache)

	// Internal trigger for external schedulers (gateway token already
	// enforced globally; no user context needed)
	app.Post("/internal/tournaments/ensure", statsService.TriggerEnsure)
}
