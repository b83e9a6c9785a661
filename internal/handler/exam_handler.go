package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-candidate/internal/middleware"
	"github.com/stemsi/exstem-candidate/internal/response"
	"github.com/stemsi/exstem-candidate/internal/service"
	"github.com/stemsi/exstem-candidate/internal/validator"
)

// ExamHandler serves exam definitions to candidates and facilitator controls to observers.
type ExamHandler struct {
	examService       *service.ExamService
	submissionService *service.SubmissionService
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(examService *service.ExamService, submissionService *service.SubmissionService) *ExamHandler {
	return &ExamHandler{
		examService:       examService,
		submissionService: submissionService,
	}
}

// GetExam godoc
// GET /api/v1/exams/:exam_id
// Returns the definition and, when the candidate already submitted, the stored result.
func (h *ExamHandler) GetExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	env, err := h.examService.GetForCandidate(c.Request.Context(), examID, claims.Subject)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, env)
}

// ListExams godoc
// GET /api/v1/observer/exams
func (h *ExamHandler) ListExams(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "10"))

	exams, err := h.examService.List(c.Request.Context())
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	pagination := response.NewPagination(page, perPage, len(exams))
	from, to := pagination.Bounds()
	response.SuccessWithPagination(c, http.StatusOK, gin.H{"exams": exams[from:to]}, pagination)
}

// StartExam godoc
// POST /api/v1/observer/exams/:exam_id/start
// Opens the exam now and pushes exam_started to waiting candidates.
func (h *ExamHandler) StartExam(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	exam, err := h.examService.Start(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// CloseExam godoc
// POST /api/v1/observer/exams/:exam_id/close
func (h *ExamHandler) CloseExam(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	exam, err := h.examService.Close(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"exam": exam})
}

// DeleteExam godoc
// DELETE /api/v1/observer/exams/:exam_id
func (h *ExamHandler) DeleteExam(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	if err := h.examService.Delete(c.Request.Context(), examID); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Exam deleted successfully"})
}

// SyncExam godoc
// POST /api/v1/observer/exams/:exam_id/sync
// Asks every candidate to re-send presence and stream readiness.
func (h *ExamHandler) SyncExam(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	if err := h.examService.RequestSync(c.Request.Context(), examID); err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusAccepted, gin.H{"message": "Status sync requested"})
}

// ListSubmissions godoc
// GET /api/v1/observer/exams/:exam_id/submissions
func (h *ExamHandler) ListSubmissions(c *gin.Context) {
	examID, ok := examIDParam(c)
	if !ok {
		return
	}

	records, err := h.submissionService.ListByExam(c.Request.Context(), examID)
	if err != nil {
		failExam(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submissions": records})
}

// examIDParam reads and validates :exam_id, answering 400 itself when it is malformed.
func examIDParam(c *gin.Context) (string, bool) {
	examID := c.Param("exam_id")
	if !validator.ValidExamID(examID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return "", false
	}
	return examID, true
}

func failExam(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrExamNotFound)
	case errors.Is(err, service.ErrInvalidTransition):
		response.Fail(c, http.StatusConflict, response.ErrInvalidTransition)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
