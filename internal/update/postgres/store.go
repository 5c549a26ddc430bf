// Package postgres implements the update metadata store on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/overair/overair/internal/update"
)

var ErrInvalidConfig = errors.New("update/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("update/postgres: ensure schema: %w", err)
	}
	return nil
}

const updateColumns = "update_id, runtime_version, version, config, type, created_at"

func scanUpdate(row pgx.Row) (update.Update, error) {
	var (
		u         update.Update
		config    []byte
		typ       string
		createdAt *time.Time
	)
	err := row.Scan(&u.UpdateID, &u.RuntimeVersion, &u.Version, &config, &typ, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return update.Update{}, update.ErrNotFound
		}
		return update.Update{}, fmt.Errorf("update/postgres: scan update: %w", err)
	}
	u.Config = json.RawMessage(config)
	u.Type = update.Type(typ)
	if createdAt != nil {
		at := createdAt.UTC()
		u.CreatedAt = &at
	}
	return u, nil
}

func (s *Store) Get(ctx context.Context, updateID string) (update.Update, error) {
	if s == nil || s.pool == nil {
		return update.Update{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE update_id = $1
	`, updateID)
	return scanUpdate(row)
}

func (s *Store) FindPublishedByVersion(ctx context.Context, version string) (update.Update, error) {
	if s == nil || s.pool == nil {
		return update.Update{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE version = $1 AND created_at IS NOT NULL
	`, version)
	return scanUpdate(row)
}

func (s *Store) CreateDraft(ctx context.Context, u update.Update) (bool, update.Update, error) {
	if s == nil || s.pool == nil {
		return false, update.Update{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if u.UpdateID == "" {
		return false, update.Update{}, update.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO updates (update_id, runtime_version, version, config, type, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (update_id) DO NOTHING
	`, u.UpdateID, u.RuntimeVersion, u.Version, []byte(u.Config), string(u.Type))
	if err != nil {
		return false, update.Update{}, fmt.Errorf("update/postgres: create draft: %w", err)
	}
	if tag.RowsAffected() == 1 {
		u.CreatedAt = nil
		return true, u, nil
	}

	// Lost the insert race; converge on the winner's row.
	existing, err := s.Get(ctx, u.UpdateID)
	if err != nil {
		return false, update.Update{}, err
	}
	return false, existing, nil
}

func (s *Store) UpsertFiles(ctx context.Context, files []update.File) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows := make([][]any, 0, len(files))
	for _, f := range files {
		if f.FileID == "" {
			return update.ErrInvalidInput
		}
		rows = append(rows, []any{f.FileID, f.Presigned})
	}
	// verified stays out of the column set so a re-upsert can never unset it.
	return upsertMany(ctx, s.pool, "files", []string{"file_id", "presigned"}, []string{"file_id"}, rows)
}

func (s *Store) UpsertAssets(ctx context.Context, assets []update.Asset) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows := make([][]any, 0, len(assets))
	for _, a := range assets {
		if a.UpdateID == "" || a.FileID == "" {
			return update.ErrInvalidInput
		}
		rows = append(rows, []any{a.UpdateID, a.FileID, string(a.Platform), a.LaunchAsset})
	}
	return upsertMany(ctx, s.pool, "assets",
		[]string{"update_id", "file_id", "platform", "launch_asset"},
		[]string{"update_id", "file_id", "platform"},
		rows)
}

func (s *Store) UnverifiedFiles(ctx context.Context, fileIDs []string) ([]string, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(fileIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT file_id
		FROM files
		WHERE file_id = ANY($1) AND verified = FALSE
		ORDER BY file_id
	`, fileIDs)
	if err != nil {
		return nil, fmt.Errorf("update/postgres: unverified files: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("update/postgres: scan unverified file: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("update/postgres: unverified files rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkFilesVerified(ctx context.Context, fileIDs []string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(fileIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE files SET verified = TRUE WHERE file_id = ANY($1)
	`, fileIDs); err != nil {
		return fmt.Errorf("update/postgres: mark files verified: %w", err)
	}
	return nil
}

func (s *Store) SetPublished(ctx context.Context, updateID string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	// Single conditional update: of two racing publishers exactly one
	// observes RowsAffected() == 1.
	tag, err := s.pool.Exec(ctx, `
		UPDATE updates SET created_at = $2
		WHERE update_id = $1 AND created_at IS NULL
	`, updateID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("update/postgres: set published: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	if _, err := s.Get(ctx, updateID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) LatestPublished(ctx context.Context, runtimeVersion string) (update.Update, []update.Asset, error) {
	if s == nil || s.pool == nil {
		return update.Update{}, nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+updateColumns+`
		FROM updates
		WHERE runtime_version = $1 AND created_at IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, runtimeVersion)
	u, err := scanUpdate(row)
	if err != nil {
		return update.Update{}, nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT update_id, file_id, platform, launch_asset
		FROM assets
		WHERE update_id = $1
		ORDER BY platform, launch_asset, file_id
	`, u.UpdateID)
	if err != nil {
		return update.Update{}, nil, fmt.Errorf("update/postgres: list assets: %w", err)
	}
	defer rows.Close()

	var assets []update.Asset
	for rows.Next() {
		var (
			a        update.Asset
			platform string
		)
		if err := rows.Scan(&a.UpdateID, &a.FileID, &platform, &a.LaunchAsset); err != nil {
			return update.Update{}, nil, fmt.Errorf("update/postgres: scan asset: %w", err)
		}
		a.Platform = update.Platform(platform)
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return update.Update{}, nil, fmt.Errorf("update/postgres: asset rows: %w", err)
	}
	return u, assets, nil
}

var _ update.Store = (*Store)(nil)
