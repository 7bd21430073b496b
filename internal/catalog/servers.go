package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/model"
)

var ErrNotFound = errors.New("not found")

const serverColumns = `id, name, base_url, provider, description, contact_email,
	organization, country, auth, capabilities, connection, rate_limits, health,
	crawl_interval_hours, dataset_count, active_dataset_count, last_crawled_at,
	created_at, updated_at`

func (s *Store) CreateServer(ctx context.Context, srv *model.Server) error {
	if srv.ID == uuid.Nil {
		srv.ID = uuid.New()
	}
	if srv.Health == "" {
		srv.Health = model.HealthUnknown
	}
	if srv.CrawlIntervalHours <= 0 {
		srv.CrawlIntervalHours = 24
	}
	now := time.Now().UTC()
	srv.CreatedAt = now
	srv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, base_url, provider, description,
			contact_email, organization, country, auth, capabilities, connection,
			rate_limits, health, crawl_interval_hours, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		srv.ID, srv.Name, srv.BaseURL, srv.Provider, srv.Description,
		srv.ContactEmail, srv.Organization, srv.Country, srv.Auth,
		srv.Capabilities, srv.Connection, srv.RateLimits, srv.Health,
		srv.CrawlIntervalHours, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, id uuid.UUID) (*model.Server, error) {
	var srv model.Server
	err := s.db.GetContext(ctx, &srv,
		`SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}
	return &srv, nil
}

func (s *Store) ListServers(ctx context.Context) ([]model.Server, error) {
	var out []model.Server
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+serverColumns+` FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateServer(ctx context.Context, srv *model.Server) error {
	srv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers SET name = $2, base_url = $3, description = $4,
			contact_email = $5, organization = $6, country = $7, auth = $8,
			connection = $9, rate_limits = $10, crawl_interval_hours = $11,
			updated_at = $12
		WHERE id = $1`,
		srv.ID, srv.Name, srv.BaseURL, srv.Description, srv.ContactEmail,
		srv.Organization, srv.Country, srv.Auth, srv.Connection,
		srv.RateLimits, srv.CrawlIntervalHours, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}
	return requireRow(res, "server", srv.ID)
}

func (s *Store) DeleteServer(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	return requireRow(res, "server", id)
}

// UpdateServerHealth also stores the capabilities the health probe returned.
func (s *Store) UpdateServerHealth(ctx context.Context, id uuid.UUID, health model.Health, caps model.JSONMap) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE servers SET health = $2,
			capabilities = COALESCE($3, capabilities),
			updated_at = now()
		WHERE id = $1`, id, health, caps)
	if err != nil {
		return fmt.Errorf("update server health: %w", err)
	}
	return nil
}

// FinalizeCrawl refreshes the per-server dataset counters after a crawl.
func (s *Store) FinalizeCrawl(ctx context.Context, serverID uuid.UUID, crawledAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE servers SET
			dataset_count = (SELECT count(*) FROM datasets WHERE server_id = $1),
			active_dataset_count = (SELECT count(*) FROM datasets WHERE server_id = $1 AND is_active),
			last_crawled_at = $2,
			health = 'healthy',
			updated_at = now()
		WHERE id = $1`, serverID, crawledAt)
	if err != nil {
		return fmt.Errorf("finalize crawl: %w", err)
	}
	return nil
}

// DueForCrawl returns servers whose crawl interval has elapsed.
func (s *Store) DueForCrawl(ctx context.Context) ([]model.Server, error) {
	var out []model.Server
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+serverColumns+` FROM servers
		WHERE last_crawled_at IS NULL
		   OR last_crawled_at < now() - make_interval(hours => crawl_interval_hours)
		ORDER BY last_crawled_at NULLS FIRST`)
	if err != nil {
		return nil, fmt.Errorf("due for crawl: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result, kind string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
