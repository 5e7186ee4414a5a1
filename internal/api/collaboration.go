package api

import (
	"mime/multipart"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// PostMessageRequest is the body of POST /api/v1/stages/:stageId/messages.
type PostMessageRequest struct {
	Body string `json:"body"`
}

// DocumentURLResponse carries a time-limited retrieval URL.
type DocumentURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ListMessages returns a stage's messages oldest first.
// (GET /api/v1/stages/:stageId/messages)
func (s *Server) ListMessages(c echo.Context) error {
	stageID, err := pathID(c, "stageId")
	if err != nil {
		return err
	}
	messages, err := s.Engine.ListMessages(c.Request().Context(), stageID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messages)
}

// PostMessage appends a message to a stage.
// (POST /api/v1/stages/:stageId/messages)
func (s *Server) PostMessage(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	stageID, err := pathID(c, "stageId")
	if err != nil {
		return err
	}
	var req PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	id, err := s.Engine.PostMessage(c.Request().Context(), stageID, u.ID, req.Body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// ListDocuments returns a stage's documents oldest first.
// (GET /api/v1/stages/:stageId/documents)
func (s *Server) ListDocuments(c echo.Context) error {
	stageID, err := pathID(c, "stageId")
	if err != nil {
		return err
	}
	documents, err := s.Engine.ListDocuments(c.Request().Context(), stageID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, documents)
}

// UploadDocuments stores every file of the multipart field "files" (or the
// single field "file") against a stage.
// (POST /api/v1/stages/:stageId/documents)
func (s *Server) UploadDocuments(c echo.Context) error {
	u, err := currentUser(c)
	if err != nil {
		return err
	}
	stageID, err := pathID(c, "stageId")
	if err != nil {
		return err
	}
	if err := c.Request().ParseMultipartForm(maxUploadMemory); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid multipart form: "+err.Error())
	}
	form := c.Request().MultipartForm
	files := append(form.File["files"], form.File["file"]...)
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "no files uploaded")
	}

	ids := make([]string, 0, len(files))
	for _, fh := range files {
		id, err := s.uploadOne(c, stageID, u.ID, fh)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	return c.JSON(http.StatusCreated, map[string][]string{"ids": ids})
}

func (s *Server) uploadOne(c echo.Context, stageID, userID string, fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "failed to read upload "+fh.Filename)
	}
	defer f.Close()
	return s.Engine.UploadDocument(c.Request().Context(), stageID, userID, fh.Filename, fh.Header.Get(echo.HeaderContentType), f)
}

// DocumentURL returns a signed retrieval URL, valid for ttl (default 10m).
// (GET /api/v1/documents/:documentId/url)
func (s *Server) DocumentURL(c echo.Context) error {
	documentID, err := pathID(c, "documentId")
	if err != nil {
		return err
	}
	var ttlParam string
	if err := queryParam(c, "ttl", &ttlParam); err != nil {
		return err
	}
	var ttl time.Duration
	if ttlParam != "" {
		if ttl, err = time.ParseDuration(ttlParam); err != nil || ttl <= 0 || ttl > 24*time.Hour {
			return echo.NewHTTPError(http.StatusBadRequest, "ttl must be a positive duration up to 24h")
		}
	}
	if ttl == 0 {
		ttl = s.urlTTL()
	}

	url, err := s.Engine.DocumentURL(c.Request().Context(), documentID, ttl)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DocumentURLResponse{URL: url, ExpiresAt: time.Now().UTC().Add(ttl).Truncate(time.Second)})
}
