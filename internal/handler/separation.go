package handler

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/pkg/response"
)

type SeparationHandler struct {
	service     *service.SeparationService
	maxUploadMB int
}

func NewSeparationHandler(svc *service.SeparationService, maxUploadMB int) *SeparationHandler {
	return &SeparationHandler{
		service:     svc,
		maxUploadMB: maxUploadMB,
	}
}

// Separate handles POST /api/separate
// @Summary      Start vocal separation
// @Description  Upload an audio file and queue it for vocal/instrumental separation
// @Tags         Separation
// @Accept       multipart/form-data
// @Produce      json
// @Param        file formData file true "Audio file (MP3 or WAV)"
// @Success      202 {object} model.SeparateStartResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Router       /api/separate [post]
func (h *SeparationHandler) Separate(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size == 0 {
		return response.ValidationError(c, "File is empty", nil)
	}

	maxSize := int64(h.maxUploadMB) * 1024 * 1024
	if file.Size > maxSize {
		return response.ValidationError(c, "File size exceeds limit", map[string]interface{}{
			"maxSize":  maxSize,
			"fileSize": file.Size,
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext != ".mp3" && ext != ".wav" {
		return response.ValidationError(c, "Invalid file type. Supported: MP3, WAV", map[string]interface{}{
			"extension": ext,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Start(c.Context(), file.Filename, f)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/separate/status/:jobId
// @Summary      Get separation job status
// @Tags         Separation
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.SeparateStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/separate/status/{jobId} [get]
func (h *SeparationHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Result handles GET /api/separate/result/:jobId
// @Summary      Get separation result
// @Description  Stem URLs and quality flags for a completed job
// @Tags         Separation
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.SeparateResultResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      422 {object} response.ErrorResponse
// @Router       /api/separate/result/{jobId} [get]
func (h *SeparationHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrNotCompleted):
			return response.Conflict(c, "Job has not completed yet")
		case errors.Is(err, service.ErrSeparationFailed):
			return response.Error(c, fiber.StatusUnprocessableEntity, response.CodeJobFailed,
				"Separation failed, no stems available", nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/separate/cancel/:jobId
// @Summary      Cancel a pending separation
// @Description  Cancels a job that the worker has not picked up yet
// @Tags         Separation
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.SeparateCancelResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Router       /api/separate/cancel/{jobId} [post]
func (h *SeparationHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, store.ErrAlreadyProcessed):
			return response.Conflict(c, "Job can no longer be canceled")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
