package assessment

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/screening/internal/domain/catalog"
	"github.com/ehr/screening/internal/domain/clinical"
	"github.com/ehr/screening/internal/domain/protocol"
	"github.com/ehr/screening/internal/domain/scoring"
	"github.com/ehr/screening/internal/platform/auth"
	"github.com/ehr/screening/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Catalog reads – any authenticated role
	readGroup := api.Group("", auth.RequireRole("patient", "clinician"))
	readGroup.GET("/health-questionnaires/templates", h.ListTemplates)
	readGroup.GET("/health-questionnaires/templates/:id", h.GetTemplate)

	// The caller's own assessment
	selfGroup := api.Group("/assessments", auth.RequireRole("patient"))
	selfGroup.POST("", h.StartAssessment)
	selfGroup.GET("/current", h.GetCurrent)
	selfGroup.POST("/:id/answers", h.SubmitAnswer)
	selfGroup.GET("/:id/progress", h.GetProgress)
	selfGroup.GET("/:id/result", h.GetResult)
}

type startRequest struct {
	Sex     string `json:"sex"`
	Restart bool   `json:"restart"`
}

type answerRequest struct {
	QuestionID string        `json:"question_id"`
	Value      catalog.Value `json:"value"`
	LatencyMs  *int64        `json:"latency_ms,omitempty"`
}

type sessionResponse struct {
	SessionID        uuid.UUID                    `json:"session_id"`
	Stage            Stage                        `json:"stage"`
	Resumed          bool                         `json:"resumed"`
	CatalogVersion   string                       `json:"catalog_version"`
	CurrentQuestion  *catalog.Question            `json:"current_question,omitempty"`
	DomainsCompleted []string                     `json:"domains_completed"`
	Progress         Progress                     `json:"progress"`
	Risk             *clinical.RiskStratification `json:"risk_stratification,omitempty"`
	StartedAt        time.Time                    `json:"started_at"`
}

type stepResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Stage     Stage     `json:"stage"`
	*StepResult
}

func (h *Handler) view(s *Session, resumed bool) *sessionResponse {
	eng := h.svc.Engine()
	return &sessionResponse{
		SessionID:        s.ID,
		Stage:            s.Stage,
		Resumed:          resumed,
		CatalogVersion:   s.CatalogVersion,
		CurrentQuestion:  eng.NextQuestion(s),
		DomainsCompleted: s.DomainsCompleted,
		Progress:         eng.Progress(s),
		StartedAt:        s.StartedAt,
	}
}

// -- Assessment Handlers --

func (h *Handler) StartAssessment(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, resumed, err := h.svc.StartAssessment(c.Request().Context(), userID, scoring.Sex(req.Sex), req.Restart)
	if err != nil {
		return mapError(err)
	}
	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	return c.JSON(status, h.view(sess, resumed))
}

func (h *Handler) GetCurrent(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	sess, err := h.svc.Restore(c.Request().Context(), userID)
	if err != nil {
		return mapError(err)
	}
	resp := h.view(sess, true)
	ev, err := h.svc.Engine().Evaluate(sess)
	if err != nil {
		return mapError(err)
	}
	resp.Risk = &ev.Risk
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) SubmitAnswer(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.QuestionID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "question_id is required")
	}
	res, err := h.svc.SubmitAnswer(c.Request().Context(), userID, id, req.QuestionID, req.Value, req.LatencyMs)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, stepResponse{SessionID: res.Session.ID, Stage: res.Session.Stage, StepResult: res})
}

func (h *Handler) GetProgress(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Progress(c.Request().Context(), userID, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetResult(c echo.Context) error {
	userID, err := requireUser(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.svc.Result(c.Request().Context(), userID, id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Catalog Handlers --

func (h *Handler) ListTemplates(c echo.Context) error {
	pg := pagination.FromContext(c)
	var domains []string
	if d := c.QueryParam("domain"); d != "" {
		domains = append(domains, d)
	}
	items := h.svc.Engine().Catalog().ListQuestions(domains...)
	start, end := pg.Bounds(len(items))
	return c.JSON(http.StatusOK, pagination.NewResponse(items[start:end], len(items), pg))
}

func (h *Handler) GetTemplate(c echo.Context) error {
	q, ok := h.svc.Engine().Catalog().Question(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "question not found")
	}
	return c.JSON(http.StatusOK, q)
}

func requireUser(c echo.Context) (string, error) {
	userID := auth.UserIDFromContext(c.Request().Context())
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	return userID, nil
}

func apiError(status int, code, message string) *echo.HTTPError {
	return echo.NewHTTPError(status, map[string]string{"code": code, "message": message})
}

// mapError translates service errors into HTTP responses.
func mapError(err error) error {
	var verr *ValidationError
	var stale *StaleQuestionError
	var corrupt *SessionCorruptError
	switch {
	case errors.As(err, &verr):
		return apiError(http.StatusUnprocessableEntity, "validation_error", verr.Error())
	case errors.As(err, &stale):
		return apiError(http.StatusConflict, "stale_question", stale.Error())
	case errors.As(err, &corrupt):
		return apiError(http.StatusConflict, "session_corrupt", corrupt.Error())
	case errors.Is(err, ErrSessionBusy):
		return apiError(http.StatusConflict, "session_busy", err.Error())
	case errors.Is(err, ErrAssessmentClosed):
		return apiError(http.StatusConflict, "assessment_closed", err.Error())
	case errors.Is(err, ErrAssessmentOpen):
		return apiError(http.StatusConflict, "assessment_in_progress", err.Error())
	case errors.Is(err, ErrVersionConflict):
		return apiError(http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return apiError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, protocol.ErrProtocolUnavailable):
		return apiError(http.StatusInternalServerError, "protocol_unavailable", "emergency protocol configuration is unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
