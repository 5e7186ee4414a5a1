package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stageflow/backend/internal/blob"
	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// Attachment is a file supplied when a process is created.
type Attachment struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// CreateProcessInput describes a new process.
type CreateProcessInput struct {
	TemplateID         string
	CreatorID          string
	FirstAssignee      *string
	InitialMessage     string
	InitialAttachments []Attachment
}

// StoragePath is where a document uploaded at the given time is stored.
func StoragePath(processID, stageInstanceID, filename string, at time.Time) string {
	return path.Join("process", processID, "stage", stageInstanceID,
		fmt.Sprintf("%d-%s", at.UnixMilli(), blob.SafeName(filename)))
}

// CreateProcess instantiates a template. The first stage starts immediately
// with the given assignee and every other stage waits as pending. Attachments
// are uploaded before anything is written; if any upload or the transaction
// fails, no process exists afterwards.
func (e *Engine) CreateProcess(ctx context.Context, in CreateProcessInput) (processID string, err error) {
	ctx, end := e.tel.start(ctx, "CreateProcess", attribute.String("template.id", in.TemplateID))
	defer func() { end(err) }()

	if strings.TrimSpace(in.TemplateID) == "" {
		return "", errorf(KindInvalidInput, "template id is required")
	}
	if in.CreatorID == "" {
		return "", errorf(KindInvalidInput, "process creator is required")
	}

	tmpl, err := e.repo.GetTemplate(ctx, in.TemplateID)
	if err != nil {
		return "", classify("get template", err)
	}
	if len(tmpl.Stages) == 0 {
		return "", errorf(KindEmptyTemplate, "template %s has no stages", tmpl.ID)
	}

	now := e.timestamp()
	process := &models.Process{
		ID:         e.newID(),
		TemplateID: tmpl.ID,
		Status:     models.ProcessStatusInProgress,
		CreatedBy:  in.CreatorID,
		CreatedAt:  now,
	}
	instances := make([]*models.StageInstance, len(tmpl.Stages))
	for i, def := range tmpl.Stages {
		instances[i] = &models.StageInstance{
			ID:                e.newID(),
			ProcessID:         process.ID,
			StageDefinitionID: def.ID,
			Status:            models.StageStatusPending,
		}
	}
	first := instances[0]
	first.Status = models.StageStatusInProgress
	started := now
	first.StartedAt = &started
	if in.FirstAssignee != nil && strings.TrimSpace(*in.FirstAssignee) != "" {
		assignee := strings.TrimSpace(*in.FirstAssignee)
		first.Assignee = &assignee
	}

	documents, uploaded, err := e.uploadAttachments(ctx, process.ID, first.ID, in.CreatorID, in.InitialAttachments)
	if err != nil {
		e.discardBlobs(ctx, uploaded)
		return "", err
	}

	err = e.repo.InTx(ctx, func(tx repository.Store) error {
		if first.Assignee != nil {
			if _, err := tx.GetUser(ctx, *first.Assignee); err != nil {
				return classify("first stage assignee", err)
			}
		}
		if err := tx.CreateProcess(ctx, process); err != nil {
			return fmt.Errorf("insert process: %w", err)
		}
		if err := tx.CreateStageInstances(ctx, instances); err != nil {
			return fmt.Errorf("insert stage instances: %w", err)
		}
		if body := strings.TrimSpace(in.InitialMessage); body != "" {
			msg := &models.Message{
				ID:              e.newID(),
				StageInstanceID: first.ID,
				Author:          in.CreatorID,
				Body:            body,
				SentAt:          now,
			}
			if err := tx.CreateMessage(ctx, msg); err != nil {
				return fmt.Errorf("insert initial message: %w", err)
			}
		}
		for _, doc := range documents {
			if err := tx.CreateDocument(ctx, doc); err != nil {
				return fmt.Errorf("insert document %s: %w", doc.Filename, err)
			}
		}
		return tx.AppendAudit(ctx, &models.AuditEntry{
			ID:        e.newID(),
			ProcessID: process.ID,
			Action:    "process created from template " + tmpl.ID,
			Actor:     in.CreatorID,
			At:        now,
		})
	})
	if err != nil {
		e.discardBlobs(ctx, uploaded)
		return "", classify("create process", err)
	}

	events := []notify.Event{notify.ProcessChanged(notify.ChangeInsert, process)}
	for _, si := range instances {
		events = append(events, notify.StageChanged(notify.ChangeInsert, si))
	}
	e.publish(ctx, events...)

	e.logger.Info("process created",
		"process_id", process.ID,
		"template_id", tmpl.ID,
		"stages", len(instances),
		"attachments", len(documents),
	)
	return process.ID, nil
}

// uploadAttachments stores each attachment and returns the document rows to
// insert. On failure it still returns the paths written so far.
func (e *Engine) uploadAttachments(ctx context.Context, processID, stageInstanceID, uploaderID string, atts []Attachment) ([]*models.Document, []string, error) {
	if len(atts) == 0 {
		return nil, nil, nil
	}
	store, err := e.blobStore()
	if err != nil {
		return nil, nil, err
	}

	var (
		documents []*models.Document
		uploaded  []string
		seen      = make(map[string]bool, len(atts))
	)
	for _, att := range atts {
		at := e.timestamp()
		p, err := putUnique(ctx, store, processID, stageInstanceID, att.Filename, at, att.Body, att.ContentType, seen)
		if err != nil {
			return nil, uploaded, classify("upload "+att.Filename, err)
		}
		uploaded = append(uploaded, p)
		documents = append(documents, &models.Document{
			ID:              e.newID(),
			StageInstanceID: stageInstanceID,
			Filename:        displayName(att.Filename),
			StoragePath:     p,
			UploadedBy:      uploaderID,
			UploadedAt:      at,
		})
	}
	return documents, uploaded, nil
}

// maxPathAttempts bounds the search for a free storage path.
const maxPathAttempts = 100

// putUnique stores r under the first storage path that is neither in taken
// nor already present in the store, numbering the name on collisions. A path
// that gets taken between the check and the write is retried when r can be
// rewound. The chosen path is added to taken.
func putUnique(ctx context.Context, store blob.Store, processID, stageInstanceID, filename string, at time.Time, r io.Reader, contentType string, taken map[string]bool) (string, error) {
	for n := 0; n < maxPathAttempts; n++ {
		name := filename
		if n > 0 {
			name = fmt.Sprintf("%d-%s", n, filename)
		}
		p := StoragePath(processID, stageInstanceID, name, at)
		if taken[p] {
			continue
		}
		switch err := store.Stat(ctx, p); {
		case err == nil:
			continue
		case !errors.Is(err, blob.ErrNotFound):
			return "", err
		}

		err := store.Put(ctx, p, r, contentTypeOr(contentType))
		if errors.Is(err, blob.ErrExists) {
			if seeker, ok := r.(io.Seeker); ok {
				if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
					continue
				}
			}
		}
		if err != nil {
			return "", err
		}
		if taken != nil {
			taken[p] = true
		}
		return p, nil
	}
	return "", fmt.Errorf("no free storage path for %s: %w", filename, blob.ErrExists)
}

// discardBlobs removes blobs whose metadata never committed.
func (e *Engine) discardBlobs(ctx context.Context, paths []string) {
	if len(paths) == 0 || e.blobs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, p := range paths {
		if err := e.blobs.Delete(ctx, p); err != nil {
			e.logger.Warn("failed to remove orphaned blob", "path", p, "error", err)
		}
	}
}

func contentTypeOr(ct string) string {
	if strings.TrimSpace(ct) == "" {
		return "application/octet-stream"
	}
	return ct
}

func displayName(filename string) string {
	if name := strings.TrimSpace(filename); name != "" {
		return name
	}
	return "file"
}
