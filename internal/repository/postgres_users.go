package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"stageflow/backend/pkg/models"
)

const userColumns = `id, subject, name, email, role, created_at`

// GetUser returns a user by internal id.
func (s *pgStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapError("get user", err)
	}
	return u, nil
}

// GetUserBySubject returns the user mapped to an identity-provider subject.
func (s *pgStore) GetUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	u, err := scanUser(s.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE subject = $1`, subject))
	if err != nil {
		return nil, mapError("get user by subject", err)
	}
	return u, nil
}

// CreateUser inserts a user. A duplicate subject yields ErrConflict.
func (s *pgStore) CreateUser(ctx context.Context, user *models.User) error {
	err := s.q.QueryRow(ctx,
		`INSERT INTO users (id, subject, name, email, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		 RETURNING created_at`,
		user.ID, user.Subject, user.Name, user.Email, user.Role, nullTime(user.CreatedAt),
	).Scan(&user.CreatedAt)
	return mapError("insert user", err)
}

// ListUsers returns all users ordered by name.
func (s *pgStore) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.q.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY name, email`)
	if err != nil {
		return nil, mapError("list users", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapError("scan user", err)
		}
		users = append(users, u)
	}
	return users, mapError("list users", rows.Err())
}

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Subject, &u.Name, &u.Email, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
