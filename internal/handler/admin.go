package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/scheduler"
	"github.com/stemsplit/api/pkg/response"
)

type AdminHandler struct {
	scheduler *scheduler.Scheduler
}

func NewAdminHandler(sched *scheduler.Scheduler) *AdminHandler {
	return &AdminHandler{scheduler: sched}
}

// Rebuild handles POST /admin/rebuild
// @Summary      Trigger a rebuild pass
// @Description  Request an immediate score-repair-sweep pass; if one is already running the request is dropped
// @Tags         Admin
// @Produce      json
// @Success      202 {object} map[string]interface{}
// @Router       /admin/rebuild [post]
func (h *AdminHandler) Rebuild(c *fiber.Ctx) error {
	running := h.scheduler.Running()
	h.scheduler.Trigger()

	return response.Accepted(c, fiber.Map{
		"triggered":      true,
		"alreadyRunning": running,
	})
}
