package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/middleware"
	"github.com/stemsi/exstem-candidate/internal/model"
	"github.com/stemsi/exstem-candidate/internal/response"
	"github.com/stemsi/exstem-candidate/internal/service"
	"github.com/stemsi/exstem-candidate/internal/validator"
)

// SubmissionHandler accepts final answers from candidates.
type SubmissionHandler struct {
	submissionService *service.SubmissionService
	log               zerolog.Logger
}

// NewSubmissionHandler creates a new SubmissionHandler.
func NewSubmissionHandler(submissionService *service.SubmissionService, log zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		submissionService: submissionService,
		log:               log.With().Str("component", "submission_handler").Logger(),
	}
}

// Submit godoc
// POST /api/v1/submissions
// Stores the candidate's answers once. A second submission for the same exam is a conflict.
func (h *SubmissionHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.SubmissionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.submissionService.Submit(c.Request.Context(), claims.Subject, req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrExamNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
		case errors.Is(err, service.ErrAlreadySubmitted):
			response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
		case errors.Is(err, service.ErrExamNotAvailable):
			response.Fail(c, http.StatusConflict, response.ErrExamNotAvailable)
		case errors.Is(err, service.ErrExamEnded):
			response.Fail(c, http.StatusConflict, response.ErrExamEnded)
		case errors.Is(err, service.ErrUnknownQuestion):
			response.Fail(c, http.StatusBadRequest, response.ErrUnknownQuestion)
		default:
			h.log.Error().Err(err).Str("exam_id", req.ExamID).Msg("Submission failed")
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusCreated, result)
}
