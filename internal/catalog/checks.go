package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/model"
)

const checkColumns = `id, dataset_id, checked_at, method, changed, conclusive,
	elapsed_ms, triggered_download, details, error`

func (s *Store) InsertChangeCheck(ctx context.Context, c *model.ChangeCheck) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CheckedAt.IsZero() {
		c.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_checks (id, dataset_id, checked_at, method, changed,
			conclusive, elapsed_ms, triggered_download, details, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.DatasetID, c.CheckedAt, c.Method, c.Changed, c.Conclusive,
		c.ElapsedMS, c.TriggeredDownload, c.Details, c.Error)
	if err != nil {
		return fmt.Errorf("insert change check: %w", err)
	}
	return nil
}

// ChangeHistory lists the most recent checks for a dataset, newest first.
func (s *Store) ChangeHistory(ctx context.Context, datasetID uuid.UUID, limit int) ([]model.ChangeCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []model.ChangeCheck
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+checkColumns+` FROM change_checks
		WHERE dataset_id = $1 ORDER BY checked_at DESC LIMIT $2`, datasetID, limit)
	if err != nil {
		return nil, fmt.Errorf("change history: %w", err)
	}
	return out, nil
}

// SeedThemes inserts the built-in taxonomy, leaving existing rows alone.
func (s *Store) SeedThemes(ctx context.Context, themes []model.Theme) error {
	for _, t := range themes {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO themes (code, name, description, aliases, parent_code, display_order)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (code) DO NOTHING`,
			t.Code, t.Name, t.Description, t.Aliases, t.ParentCode, t.DisplayOrder)
		if err != nil {
			return fmt.Errorf("seed theme %s: %w", t.Code, err)
		}
	}
	return nil
}

func (s *Store) ListThemes(ctx context.Context) ([]model.Theme, error) {
	var out []model.Theme
	err := s.db.SelectContext(ctx, &out, `
		SELECT code, name, description, aliases, parent_code, display_order
		FROM themes ORDER BY display_order, code`)
	if err != nil {
		return nil, fmt.Errorf("list themes: %w", err)
	}
	return out, nil
}
