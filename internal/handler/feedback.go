package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/internal/service"
	"github.com/stemsplit/api/internal/store"
	"github.com/stemsplit/api/pkg/response"
)

type FeedbackHandler struct {
	service   *service.FeedbackService
	validator *validator.Validate
}

func NewFeedbackHandler(svc *service.FeedbackService, v *validator.Validate) *FeedbackHandler {
	return &FeedbackHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/feedback
// @Summary      Submit separation feedback
// @Description  Record a positive or negative verdict on a separation result
// @Tags         Feedback
// @Accept       json
// @Produce      json
// @Param        request body model.FeedbackRequest true "Feedback"
// @Success      200 {object} model.FeedbackResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Router       /api/feedback [post]
func (h *FeedbackHandler) Submit(c *fiber.Ctx) error {
	var req model.FeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), &req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "No separation result for this job")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// formatValidationErrors converts validator errors to a field map
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
