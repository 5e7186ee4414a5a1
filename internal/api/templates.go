package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/templatefile"
)

// CreateTemplateRequest is the body of POST /api/v1/templates.
type CreateTemplateRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Stages      []lifecycle.StageInput `json:"stages"`
}

// maxImportSize bounds template import documents.
const maxImportSize = 1 << 20

// Me returns the authenticated user.
// (GET /api/v1/me)
func (s *Server) Me(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

// ListUsers returns every user for assignee pickers.
// (GET /api/v1/users)
func (s *Server) ListUsers(c echo.Context) error {
	users, err := s.Engine.ListUsers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, users)
}

// ListTemplates returns all templates with their stages.
// (GET /api/v1/templates)
func (s *Server) ListTemplates(c echo.Context) error {
	templates, err := s.Engine.ListTemplates(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, templates)
}

// GetTemplate returns one template.
// (GET /api/v1/templates/:templateId)
func (s *Server) GetTemplate(c echo.Context) error {
	id, err := pathID(c, "templateId")
	if err != nil {
		return err
	}
	tmpl, err := s.Engine.GetTemplate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tmpl)
}

// CreateTemplate authors a template.
// (POST /api/v1/templates)
func (s *Server) CreateTemplate(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	var req CreateTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	tmpl, err := s.Engine.CreateTemplate(c.Request().Context(), req.Name, req.Description, u.ID, req.Stages)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, tmpl)
}

// DuplicateTemplate copies a template with all of its stages.
// (POST /api/v1/templates/:templateId/duplicate)
func (s *Server) DuplicateTemplate(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "templateId")
	if err != nil {
		return err
	}
	tmpl, err := s.Engine.DuplicateTemplate(c.Request().Context(), id, u.ID)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/templates/"+tmpl.ID)
	return c.JSON(http.StatusCreated, tmpl)
}

// ImportTemplates creates templates from a YAML document, skipping names
// that already exist.
// (POST /api/v1/templates/import)
func (s *Server) ImportTemplates(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImportSize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body: "+err.Error())
	}
	templates, err := templatefile.Parse(data)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	res, err := templatefile.Import(c.Request().Context(), s.Engine, u.ID, templates)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
