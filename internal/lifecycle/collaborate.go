package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"stageflow/backend/internal/blob"
	"stageflow/backend/pkg/models"
)

// PostMessage appends a trimmed, non-blank message to a stage instance.
func (e *Engine) PostMessage(ctx context.Context, stageInstanceID, authorID, body string) (messageID string, err error) {
	ctx, end := e.tel.start(ctx, "PostMessage", attribute.String("stage_instance.id", stageInstanceID))
	defer func() { end(err) }()

	body = strings.TrimSpace(body)
	if body == "" {
		return "", newError(KindEmptyBody, "message body is empty", nil)
	}
	if _, err := e.repo.GetStageInstance(ctx, stageInstanceID); err != nil {
		return "", classify("get stage instance", err)
	}

	msg := &models.Message{
		ID:              e.newID(),
		StageInstanceID: stageInstanceID,
		Author:          authorID,
		Body:            body,
		SentAt:          e.timestamp(),
	}
	if err := e.repo.CreateMessage(ctx, msg); err != nil {
		return "", classify("post message", err)
	}
	return msg.ID, nil
}

// AttachDocument records a document for a blob that is already stored at
// storagePath. A path the blob store does not know is rejected.
func (e *Engine) AttachDocument(ctx context.Context, stageInstanceID, uploaderID, filename, storagePath string) (documentID string, err error) {
	ctx, end := e.tel.start(ctx, "AttachDocument", attribute.String("stage_instance.id", stageInstanceID))
	defer func() { end(err) }()

	return e.attach(ctx, stageInstanceID, uploaderID, filename, storagePath)
}

func (e *Engine) attach(ctx context.Context, stageInstanceID, uploaderID, filename, storagePath string) (string, error) {
	store, err := e.blobStore()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(storagePath) == "" {
		return "", errorf(KindDanglingAttachment, "document %q has no storage path", filename)
	}
	if err := store.Stat(ctx, storagePath); err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidPath) {
			return "", newError(KindDanglingAttachment, fmt.Sprintf("no blob stored at %s", storagePath), err)
		}
		return "", classify("stat blob", err)
	}
	if _, err := e.repo.GetStageInstance(ctx, stageInstanceID); err != nil {
		return "", classify("get stage instance", err)
	}

	doc := &models.Document{
		ID:              e.newID(),
		StageInstanceID: stageInstanceID,
		Filename:        displayName(filename),
		StoragePath:     storagePath,
		UploadedBy:      uploaderID,
		UploadedAt:      e.timestamp(),
	}
	if err := e.repo.CreateDocument(ctx, doc); err != nil {
		return "", classify("attach document", err)
	}
	return doc.ID, nil
}

// UploadDocument stores the bytes first and records the document only after
// the upload succeeded.
func (e *Engine) UploadDocument(ctx context.Context, stageInstanceID, uploaderID, filename, contentType string, r io.Reader) (documentID string, err error) {
	ctx, end := e.tel.start(ctx, "UploadDocument", attribute.String("stage_instance.id", stageInstanceID))
	defer func() { end(err) }()

	store, err := e.blobStore()
	if err != nil {
		return "", err
	}
	si, err := e.repo.GetStageInstance(ctx, stageInstanceID)
	if err != nil {
		return "", classify("get stage instance", err)
	}

	p, err := putUnique(ctx, store, si.ProcessID, si.ID, filename, e.timestamp(), r, contentType, nil)
	if err != nil {
		return "", classify("upload "+filename, err)
	}
	documentID, err = e.attach(ctx, stageInstanceID, uploaderID, filename, p)
	if err != nil {
		e.discardBlobs(ctx, []string{p})
		return "", err
	}
	e.logger.Info("document uploaded", "stage_instance_id", stageInstanceID, "document_id", documentID, "path", p)
	return documentID, nil
}

// ListMessages returns the messages of a stage instance oldest first.
func (e *Engine) ListMessages(ctx context.Context, stageInstanceID string) (messages []*models.Message, err error) {
	ctx, end := e.tel.start(ctx, "ListMessages", attribute.String("stage_instance.id", stageInstanceID))
	defer func() { end(err) }()

	if _, err := e.repo.GetStageInstance(ctx, stageInstanceID); err != nil {
		return nil, classify("get stage instance", err)
	}
	messages, err = e.repo.ListMessages(ctx, stageInstanceID)
	if err != nil {
		return nil, classify("list messages", err)
	}
	return messages, nil
}

// ListDocuments returns the documents of a stage instance oldest first.
func (e *Engine) ListDocuments(ctx context.Context, stageInstanceID string) (documents []*models.Document, err error) {
	ctx, end := e.tel.start(ctx, "ListDocuments", attribute.String("stage_instance.id", stageInstanceID))
	defer func() { end(err) }()

	if _, err := e.repo.GetStageInstance(ctx, stageInstanceID); err != nil {
		return nil, classify("get stage instance", err)
	}
	documents, err = e.repo.ListDocuments(ctx, stageInstanceID)
	if err != nil {
		return nil, classify("list documents", err)
	}
	return documents, nil
}

// DocumentURL returns a retrieval URL for a document valid for ttl, or for the
// engine's default lifetime when ttl is not positive.
func (e *Engine) DocumentURL(ctx context.Context, documentID string, ttl time.Duration) (url string, err error) {
	ctx, end := e.tel.start(ctx, "DocumentURL", attribute.String("document.id", documentID))
	defer func() { end(err) }()

	store, err := e.blobStore()
	if err != nil {
		return "", err
	}
	doc, err := e.repo.GetDocument(ctx, documentID)
	if err != nil {
		return "", classify("get document", err)
	}
	if ttl <= 0 {
		ttl = e.urlTTL
	}
	url, err = store.SignedURL(ctx, doc.StoragePath, ttl)
	if err != nil {
		return "", classify("sign document url", err)
	}
	return url, nil
}
