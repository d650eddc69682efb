package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// CreateProject provisions a tenant with the given credential.
func (s *SQLStore) CreateProject(ctx context.Context, name, apiKey string) (Project, error) {
	p := Project{Name: name, APIKey: apiKey, CreatedAt: fromMillis(s.nowMillis())}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO projects (name, api_key, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`), name, apiKey, p.CreatedAt.UnixMilli()).Scan(&p.ID)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

// ProjectByAPIKey returns the project owning apiKey, or ErrNotFound.
func (s *SQLStore) ProjectByAPIKey(ctx context.Context, apiKey string) (Project, error) {
	if apiKey == "" {
		return Project{}, ErrNotFound
	}

	var (
		p         Project
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, api_key, created_at FROM projects WHERE api_key = $1
	`), apiKey).Scan(&p.ID, &p.Name, &p.APIKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	p.CreatedAt = fromMillis(createdAt)
	return p, nil
}

// ListProjects returns every project ordered by id.
func (s *SQLStore) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, api_key, created_at FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var (
			p         Project
			createdAt int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.APIKey, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = fromMillis(createdAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// NewAPIKey generates a random project credential.
func NewAPIKey() string {
	return "bs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
