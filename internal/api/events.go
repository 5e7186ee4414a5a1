package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// StreamEvents streams a process's change events as Server-Sent Events until
// the client goes away. Events are best-effort; a client that reconnects
// should re-read the process.
// (GET /api/v1/processes/:processId/events)
func (s *Server) StreamEvents(c echo.Context) error {
	processID, err := pathID(c, "processId")
	if err != nil {
		return err
	}
	if s.Hub == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "change notifications are disabled")
	}
	ctx := c.Request().Context()
	if _, err := s.Engine.GetProcess(ctx, processID); err != nil {
		return err
	}

	sub := s.Hub.Subscribe(ctx, processID)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	w.Flush()

	heartbeat := s.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.Logger.Warn("failed to encode change event", "process_id", processID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Entity, data); err != nil {
				return nil
			}
			w.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
