package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"stageflow/backend/pkg/models"
)

// CreateMessage appends a message; SentAt is assigned by the database when zero.
func (s *pgStore) CreateMessage(ctx context.Context, message *models.Message) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO messages (id, stage_instance_id, author, body, sent_at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, clock_timestamp()))
		 RETURNING sent_at`,
		message.ID, message.StageInstanceID, message.Author, message.Body, nullTime(message.SentAt),
	).Scan(&message.SentAt)
	return mapError("insert message", err)
}

// ListMessages returns a stage instance's messages oldest first.
func (s *pgStore) ListMessages(ctx context.Context, stageInstanceID string) ([]*models.Message, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, stage_instance_id, author, body, sent_at
		 FROM messages WHERE stage_instance_id = $1 ORDER BY sent_at, seq`, stageInstanceID)
	if err != nil {
		return nil, mapError("list messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.StageInstanceID, &m.Author, &m.Body, &m.SentAt); err != nil {
			return nil, mapError("scan message", err)
		}
		messages = append(messages, &m)
	}
	return messages, mapError("list messages", rows.Err())
}

const documentColumns = `id, stage_instance_id, filename, storage_path, uploaded_by, uploaded_at`

// CreateDocument appends document metadata.
func (s *pgStore) CreateDocument(ctx context.Context, document *models.Document) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO documents (id, stage_instance_id, filename, storage_path, uploaded_by, uploaded_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, clock_timestamp()))
		 RETURNING uploaded_at`,
		document.ID, document.StageInstanceID, document.Filename, document.StoragePath, document.UploadedBy, nullTime(document.UploadedAt),
	).Scan(&document.UploadedAt)
	return mapError("insert document", err)
}

// GetDocument returns document metadata by id.
func (s *pgStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	d, err := scanDocument(s.q.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get document", err)
	}
	return d, nil
}

// ListDocuments returns a stage instance's documents oldest first.
func (s *pgStore) ListDocuments(ctx context.Context, stageInstanceID string) ([]*models.Document, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE stage_instance_id = $1 ORDER BY uploaded_at, seq`, stageInstanceID)
	if err != nil {
		return nil, mapError("list documents", err)
	}
	defer rows.Close()

	var documents []*models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, mapError("scan document", err)
		}
		documents = append(documents, d)
	}
	return documents, mapError("list documents", rows.Err())
}

func scanDocument(row pgx.Row) (*models.Document, error) {
	var d models.Document
	if err := row.Scan(&d.ID, &d.StageInstanceID, &d.Filename, &d.StoragePath, &d.UploadedBy, &d.UploadedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// AppendAudit appends an audit entry.
func (s *pgStore) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO audit_entries (id, process_id, action, actor, at)
		 VALUES ($1, $2, $3, $4, COALESCE($5, clock_timestamp()))
		 RETURNING at`,
		entry.ID, entry.ProcessID, entry.Action, entry.Actor, nullTime(entry.At),
	).Scan(&entry.At)
	return mapError("insert audit entry", err)
}

// ListAudit returns a process's audit entries oldest first.
func (s *pgStore) ListAudit(ctx context.Context, processID string) ([]*models.AuditEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, process_id, action, actor, at FROM audit_entries WHERE process_id = $1 ORDER BY at, seq`, processID)
	if err != nil {
		return nil, mapError("list audit entries", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ProcessID, &e.Action, &e.Actor, &e.At); err != nil {
			return nil, mapError("scan audit entry", err)
		}
		entries = append(entries, &e)
	}
	return entries, mapError("list audit entries", rows.Err())
}
