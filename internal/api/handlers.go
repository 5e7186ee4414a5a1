// Package api contains the HTTP handlers for the stageflow service
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"

	"stageflow/backend/internal/auth"
	"stageflow/backend/internal/blob"
	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/logging"
	"stageflow/backend/internal/notify"
	"stageflow/backend/pkg/models"
)

// BlobServer serves objects behind signed download links.
type BlobServer interface {
	Bucket() string
	Verify(path, expires, sig string) error
	Open(path string) (*os.File, error)
}

// Server holds the dependencies for the API server.
type Server struct {
	Engine  *lifecycle.Engine
	Hub     *notify.Hub
	Blobs   BlobServer
	Logger  *logging.Logger
	Version string
	// Heartbeat is the keepalive interval of event streams.
	Heartbeat time.Duration
	// URLTTL is the default lifetime of document URLs.
	URLTTL time.Duration
}

// NewServer creates a new Server.
func NewServer(engine *lifecycle.Engine, hub *notify.Hub, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		Engine:    engine,
		Hub:       hub,
		Logger:    logger,
		Version:   "1.0.0",
		Heartbeat: 15 * time.Second,
		URLTTL:    lifecycle.DefaultURLTTL,
	}
}

func (s *Server) urlTTL() time.Duration {
	if s.URLTTL > 0 {
		return s.URLTTL
	}
	return lifecycle.DefaultURLTTL
}

// Register mounts every route on e. requireAuth guards the /api/v1 group.
func (s *Server) Register(e *echo.Echo, requireAuth echo.MiddlewareFunc) {
	e.HTTPErrorHandler = s.ErrorHandler
	e.GET("/api/v1/healthz", s.HandleHealth)
	if s.Blobs != nil {
		e.GET("/blobs/*", s.DownloadBlob)
	}

	g := e.Group("/api/v1")
	if requireAuth != nil {
		g.Use(requireAuth)
	}
	g.GET("/me", s.Me)
	g.GET("/users", s.ListUsers)

	g.GET("/templates", s.ListTemplates)
	g.POST("/templates", s.CreateTemplate)
	g.POST("/templates/import", s.ImportTemplates)
	g.GET("/templates/:templateId", s.GetTemplate)
	g.POST("/templates/:templateId/duplicate", s.DuplicateTemplate)

	g.GET("/processes", s.ListProcesses)
	g.POST("/processes", s.CreateProcess)
	g.GET("/processes/:processId", s.GetProcess)
	g.GET("/processes/:processId/current", s.CurrentStage)
	g.POST("/processes/:processId/advance", s.AdvanceStage)
	g.PUT("/processes/:processId/stages/:stageId/assignee", s.AssignStage)
	g.GET("/processes/:processId/events", s.StreamEvents)

	g.GET("/stages/:stageId/messages", s.ListMessages)
	g.POST("/stages/:stageId/messages", s.PostMessage)
	g.GET("/stages/:stageId/documents", s.ListDocuments)
	g.POST("/stages/:stageId/documents", s.UploadDocuments)
	g.GET("/documents/:documentId/url", s.DocumentURL)
}

// HandleHealth reports service health and whether the database answers.
// (GET /api/v1/healthz)
func (s *Server) HandleHealth(c echo.Context) error {
	status := models.HealthStatus{
		Status:    "ok",
		Service:   "stageflow",
		Version:   s.Version,
		Timestamp: time.Now().UTC(),
		Checks:    map[string]string{"database": "ok"},
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.Engine.Ping(ctx); err != nil {
		status.Status = "degraded"
		status.Checks["database"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}

// currentUser returns the authenticated user placed in the context by auth.
func currentUser(c echo.Context) (*models.User, error) {
	u, ok := auth.UserFromContext(c.Request().Context())
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	return u, nil
}

// pathID binds a UUID path parameter the way generated handlers do.
func pathID(c echo.Context, name string) (string, error) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", name, c.Param(name), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return id.String(), nil
}

// queryParam binds an optional query parameter.
func queryParam[T any](c echo.Context, name string, dest *T) error {
	if err := runtime.BindQueryParameter("form", true, false, name, c.QueryParams(), dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid format for parameter %s: %s", name, err))
	}
	return nil
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind lifecycle.Kind) int {
	switch kind {
	case lifecycle.KindNotFound:
		return http.StatusNotFound
	case lifecycle.KindNotAssignee:
		return http.StatusForbidden
	case lifecycle.KindEmptyTemplate, lifecycle.KindEmptyBody, lifecycle.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case lifecycle.KindFirstStageLocked, lifecycle.KindNoActiveStage, lifecycle.KindDanglingAttachment:
		return http.StatusConflict
	case lifecycle.KindBlobConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders every error as RFC 7807 Problem Details.
func (s *Server) ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	problem := models.ProblemDetails{Type: "about:blank", Instance: c.Request().URL.Path}
	var (
		httpErr   *echo.HTTPError
		engineErr *lifecycle.Error
	)
	switch {
	case errors.As(err, &engineErr):
		problem.Status = statusFor(engineErr.Kind)
		problem.Kind = string(engineErr.Kind)
		problem.Detail = engineErr.Error()
		if problem.Status == http.StatusInternalServerError {
			s.Logger.Error("request failed", "path", c.Request().URL.Path, "kind", engineErr.Kind, "error", err)
			problem.Detail = engineErr.Message
		}
	case errors.As(err, &httpErr):
		problem.Status = httpErr.Code
		problem.Detail = fmt.Sprint(httpErr.Message)
	default:
		s.Logger.Error("unhandled error", "path", c.Request().URL.Path, "error", err)
		problem.Status = http.StatusInternalServerError
		problem.Detail = "internal error"
	}
	problem.Title = http.StatusText(problem.Status)

	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(problem.Status)
	} else {
		err = c.JSON(problem.Status, problem)
	}
	if err != nil {
		s.Logger.Error("failed to write error response", "error", err)
	}
}

// DownloadBlob serves an object behind a signed link.
// (GET /blobs/<bucket>/<path>?expires=..&sig=..)
func (s *Server) DownloadBlob(c echo.Context) error {
	rest := strings.TrimPrefix(c.Request().URL.Path, "/blobs/")
	bucket, p, ok := strings.Cut(rest, "/")
	if !ok || bucket != s.Blobs.Bucket() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown bucket")
	}
	if err := s.Blobs.Verify(p, c.QueryParam("expires"), c.QueryParam("sig")); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	f, err := s.Blobs.Open(p)
	if errors.Is(err, blob.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "blob not found")
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "private, max-age=600")
	http.ServeContent(c.Response(), c.Request(), path.Base(p), info.ModTime(), f)
	return nil
}
