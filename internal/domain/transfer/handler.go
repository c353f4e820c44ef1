package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/websocket"
	"github.com/ehr/transfer/pkg/pagination"
)

// Handler exposes the transfer process trigger and status endpoints.
type Handler struct {
	runner *Runner
	hub    *websocket.Hub
}

// NewHandler creates a Handler. hub may be nil, in which case the stream
// route is not registered.
func NewHandler(runner *Runner, hub *websocket.Hub) *Handler {
	return &Handler{runner: runner, hub: hub}
}

// RegisterRoutes registers the process routes on the /api/v2 group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/process/:project/start", h.Start)
	g.GET("/process/statuses", h.ListStatuses)
	g.GET("/process/status/:id", h.GetStatus)
	g.DELETE("/process/status/:id", h.Cancel)
	g.GET("/projects", h.ListProjects)
	if h.hub != nil {
		g.GET("/process/status/:id/stream", h.hub.StreamHandler("id", h.checkProcess))
	}
}

// StartRequest is the optional body of a start request. Identifiers are
// patient identifiers the cohort is restricted to.
type StartRequest struct {
	Identifiers []string `json:"identifiers"`
}

// Start handles POST /process/:project/start. With ?wait=true the run is
// executed synchronously and its result returned; a run whose cohort
// failed before any patient was scheduled is answered with an error.
func (h *Handler) Start(c echo.Context) error {
	project := c.Param("project")
	ctx := c.Request().Context()

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("start request: "+bindMessage(err)))
	}
	for i, id := range req.Identifiers {
		if id == "" {
			return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(fmt.Sprintf("identifiers[%d] is empty", i)))
		}
	}

	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if wait {
		result, err := h.runner.Run(ctx, project, req.Identifiers...)
		if result == nil || (err != nil && !errors.Is(err, ErrCancelled) && result.Total == 0) {
			return startError(c, err)
		}
		return c.JSON(http.StatusOK, result)
	}

	processID, err := h.runner.Start(ctx, project, req.Identifiers...)
	if err != nil {
		return startError(c, err)
	}
	c.Response().Header().Set(echo.HeaderLocation, StatusPath(processID))
	return c.JSON(http.StatusAccepted, map[string]string{"processId": processID})
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}

// StatusPath is the location of a process status resource.
func StatusPath(processID string) string {
	return "/api/v2/process/status/" + processID
}

func startError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrProjectNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
	case errors.Is(err, ErrNotRunnable), errors.Is(err, ErrIdentifiersUnsupported):
		return c.JSON(http.StatusUnprocessableEntity, fhir.BusinessRuleOutcome("%s", err.Error()))
	case errors.Is(err, ErrCohortFailed):
		return c.JSON(http.StatusBadGateway, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTransient, err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}

// GetStatus handles GET /process/status/:id.
func (h *Handler) GetStatus(c echo.Context) error {
	st, err := h.runner.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return processError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// ListStatuses handles GET /process/statuses, newest first.
func (h *Handler) ListStatuses(c echo.Context) error {
	statuses, err := h.runner.Statuses(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.Paginate(statuses, pagination.FromContext(c)))
}

// Cancel handles DELETE /process/status/:id.
func (h *Handler) Cancel(c echo.Context) error {
	if err := h.runner.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return processError(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

// ListProjects handles GET /projects.
func (h *Handler) ListProjects(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"projects": h.runner.Projects().Names()})
}

// checkProcess admits streams of known processes that can still emit
// events. A completed process gets 409; its status is final.
func (h *Handler) checkProcess(ctx context.Context, processID string) error {
	st, err := h.runner.Status(ctx, processID)
	if err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if st.Phase.Completed() {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("%s: %s", ErrAlreadyCompleted, processID))
	}
	return nil
}

func processError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrProcessNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
	case errors.Is(err, ErrAlreadyCompleted):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	default:
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
}
