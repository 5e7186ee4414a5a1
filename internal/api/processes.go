package api

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/repository"
)

// maxUploadMemory is how much of a multipart form is buffered in memory.
const maxUploadMemory = 32 << 20

// CreateProcessRequest is the JSON body of POST /api/v1/processes. The
// multipart form uses the same field names plus "files".
type CreateProcessRequest struct {
	TemplateID    string  `json:"template_id" form:"template_id"`
	FirstAssignee *string `json:"first_assignee" form:"first_assignee"`
	Message       string  `json:"message" form:"message"`
}

// AssignRequest is the body of PUT .../assignee. Self wins over Assignee; a
// null assignee clears the assignment.
type AssignRequest struct {
	Assignee *string `json:"assignee"`
	Self     bool    `json:"self"`
}

// ListProcesses returns the caller's processes, or every process with
// scope=all.
// (GET /api/v1/processes)
func (s *Server) ListProcesses(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	scope := "mine"
	if err := queryParam(c, "scope", &scope); err != nil {
		return err
	}

	filter := repository.ProcessFilter{InvolvingUser: u.ID}
	switch scope {
	case "mine":
	case "all":
		filter = repository.ProcessFilter{}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown scope %q", scope))
	}

	processes, err := s.Engine.ListProcesses(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, processes)
}

// CreateProcess starts a process from a template.
// (POST /api/v1/processes)
func (s *Server) CreateProcess(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}

	var (
		req   CreateProcessRequest
		files []*multipart.FileHeader
	)
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		if err := c.Request().ParseMultipartForm(maxUploadMemory); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid multipart form: "+err.Error())
		}
		form := c.Request().MultipartForm
		req.TemplateID = firstValue(form.Value["template_id"])
		req.Message = firstValue(form.Value["message"])
		if a := strings.TrimSpace(firstValue(form.Value["first_assignee"])); a != "" {
			req.FirstAssignee = &a
		}
		files = form.File["files"]
	} else if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	in := lifecycle.CreateProcessInput{
		TemplateID:     req.TemplateID,
		CreatorID:      u.ID,
		FirstAssignee:  req.FirstAssignee,
		InitialMessage: req.Message,
	}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "failed to read upload "+fh.Filename)
		}
		defer f.Close()
		in.InitialAttachments = append(in.InitialAttachments, lifecycle.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Body:        f,
		})
	}

	id, err := s.Engine.CreateProcess(c.Request().Context(), in)
	if err != nil {
		return err
	}
	view, err := s.Engine.GetProcessView(c.Request().Context(), id)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/processes/"+id)
	return c.JSON(http.StatusCreated, view)
}

// GetProcess returns the full process view.
// (GET /api/v1/processes/:processId)
func (s *Server) GetProcess(c echo.Context) error {
	id, err := pathID(c, "processId")
	if err != nil {
		return err
	}
	view, err := s.Engine.GetProcessView(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// CurrentStage returns the derived current stage.
// (GET /api/v1/processes/:processId/current)
func (s *Server) CurrentStage(c echo.Context) error {
	id, err := pathID(c, "processId")
	if err != nil {
		return err
	}
	cur, err := s.Engine.DeriveCurrentStage(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cur)
}

// AdvanceStage completes the caller's current stage.
// (POST /api/v1/processes/:processId/advance)
func (s *Server) AdvanceStage(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	id, err := pathID(c, "processId")
	if err != nil {
		return err
	}
	if err := s.Engine.AdvanceCurrentStage(c.Request().Context(), id, u.ID); err != nil {
		return err
	}
	view, err := s.Engine.GetProcessView(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// AssignStage sets or clears a stage's assignee.
// (PUT /api/v1/processes/:processId/stages/:stageId/assignee)
func (s *Server) AssignStage(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	processID, err := pathID(c, "processId")
	if err != nil {
		return err
	}
	stageID, err := pathID(c, "stageId")
	if err != nil {
		return err
	}
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	ctx := c.Request().Context()
	switch {
	case req.Self:
		err = s.Engine.AssignToSelf(ctx, processID, stageID, u.ID)
	case req.Assignee == nil:
		err = s.Engine.ClearAssignment(ctx, processID, stageID, u.ID)
	default:
		err = s.Engine.AssignStage(ctx, processID, stageID, u.ID, req.Assignee)
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func firstValue(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
