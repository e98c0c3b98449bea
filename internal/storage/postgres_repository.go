package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"openvideo/internal/models"
)

const builderColumns = `id, owner, status, started_at, updated_at, landed_at, transcode_job_id`

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository. Migrations are
// applied first when WithPostgresMigrations(true) is supplied; otherwise the
// caller must ensure the schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if cfg.ApplyMigrations {
		if err := applyMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return repo, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a pooled connection bounded by the acquire timeout and
// hands it to fn.
func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *postgresRepository) withTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuilder(row rowScanner) (models.BuilderRecord, error) {
	var (
		record   models.BuilderRecord
		status   string
		landedAt *time.Time
	)
	if err := row.Scan(&record.ID, &record.Owner, &status, &record.StartedAt, &record.UpdatedAt, &landedAt, &record.TranscodeJobID); err != nil {
		return models.BuilderRecord{}, err
	}
	parsed, err := models.ParseBuilderStatus(status)
	if err != nil {
		return models.BuilderRecord{}, err
	}
	record.Status = parsed
	record.StartedAt = record.StartedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if landedAt != nil {
		landed := landedAt.UTC()
		record.LandedAt = &landed
	}
	return record, nil
}

func (r *postgresRepository) AdmitBuilder(ctx context.Context, params AdmitParams) (AdmitResult, error) {
	if strings.TrimSpace(params.Owner) == "" {
		return AdmitResult{}, fmt.Errorf("owner required")
	}
	if params.Record.ID == "" {
		return AdmitResult{}, fmt.Errorf("builder id required")
	}

	var (
		result  AdmitResult
		limited bool
	)
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		// Serialises admissions per owner across API replicas.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, params.Owner); err != nil {
			return fmt.Errorf("lock owner: %w", err)
		}

		if params.Threshold > 0 {
			cutoff := params.Now.Add(-params.Threshold).UTC()
			tag, err := tx.Exec(ctx, `DELETE FROM builders WHERE owner = $1 AND status = 'INITIATED' AND started_at < $2`, params.Owner, cutoff)
			if err != nil {
				return fmt.Errorf("reap stale builders: %w", err)
			}
			result.Reaped = int(tag.RowsAffected())
		}

		// Whatever survived the reap and is not TRANSCODED counts.
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM builders WHERE owner = $1 AND status <> 'TRANSCODED'`, params.Owner).Scan(&result.Active); err != nil {
			return fmt.Errorf("count active builders: %w", err)
		}
		if params.Limit > 0 && result.Active >= params.Limit {
			limited = true
			return nil
		}

		started := params.Record.StartedAt
		if started.IsZero() {
			started = params.Now
		}
		started = started.UTC()
		row := tx.QueryRow(ctx, `
INSERT INTO builders (id, owner, status, started_at, updated_at, transcode_job_id)
VALUES ($1, $2, 'INITIATED', $3, $3, '')
ON CONFLICT (id) DO NOTHING
RETURNING `+builderColumns, params.Record.ID, params.Owner, started)
		record, err := scanBuilder(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBuilderExists
		}
		if err != nil {
			return fmt.Errorf("insert builder: %w", err)
		}
		result.Record = record
		return nil
	})
	if err != nil {
		return AdmitResult{}, err
	}
	if limited {
		return result, ErrAdmissionLimit
	}
	return result, nil
}

func (r *postgresRepository) GetBuilder(ctx context.Context, id string) (models.BuilderRecord, error) {
	var record models.BuilderRecord
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		record, err = scanBuilder(conn.QueryRow(ctx, `SELECT `+builderColumns+` FROM builders WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBuilderNotFound
		}
		if err != nil {
			return fmt.Errorf("load builder %s: %w", id, err)
		}
		return nil
	})
	return record, err
}

func (r *postgresRepository) ListBuilders(ctx context.Context, owner string) ([]models.BuilderRecord, error) {
	records := make([]models.BuilderRecord, 0)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		query := `SELECT ` + builderColumns + ` FROM builders`
		args := []any{}
		if owner != "" {
			query += ` WHERE owner = $1`
			args = append(args, owner)
		}
		query += ` ORDER BY started_at, id`
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list builders: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			record, err := scanBuilder(rows)
			if err != nil {
				return fmt.Errorf("scan builder: %w", err)
			}
			records = append(records, record)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *postgresRepository) TransitionBuilder(ctx context.Context, id string, from, to models.BuilderStatus) (models.BuilderRecord, error) {
	if !from.CanAdvanceTo(to) {
		return models.BuilderRecord{}, fmt.Errorf("transition %s -> %s: %w", from, to, ErrStatusMismatch)
	}
	var record models.BuilderRecord
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		record, err = scanBuilder(conn.QueryRow(ctx, `
UPDATE builders SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
RETURNING `+builderColumns, id, from.String(), to.String(), r.cfg.Clock().UTC()))
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("transition builder %s: %w", id, err)
		}
		current, lookupErr := scanBuilder(conn.QueryRow(ctx, `SELECT `+builderColumns+` FROM builders WHERE id = $1`, id))
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return ErrBuilderNotFound
		}
		if lookupErr != nil {
			return fmt.Errorf("load builder %s: %w", id, lookupErr)
		}
		record = current
		return ErrStatusMismatch
	})
	return record, err
}

func (r *postgresRepository) MarkLanded(ctx context.Context, id string, at time.Time) (models.BuilderRecord, bool, error) {
	var (
		record  models.BuilderRecord
		changed bool
	)
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		var err error
		record, err = scanBuilder(conn.QueryRow(ctx, `
UPDATE builders SET landed_at = $2, updated_at = $3
WHERE id = $1 AND landed_at IS NULL
RETURNING `+builderColumns, id, at.UTC(), r.cfg.Clock().UTC()))
		if err == nil {
			changed = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("mark builder %s landed: %w", id, err)
		}
		record, err = scanBuilder(conn.QueryRow(ctx, `SELECT `+builderColumns+` FROM builders WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBuilderNotFound
		}
		return err
	})
	if err != nil {
		return models.BuilderRecord{}, false, err
	}
	return record, changed, nil
}

func (r *postgresRepository) SetTranscodeJob(ctx context.Context, id, jobID string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `UPDATE builders SET transcode_job_id = $2, updated_at = $3 WHERE id = $1`, id, jobID, r.cfg.Clock().UTC())
		if err != nil {
			return fmt.Errorf("set transcode job for %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrBuilderNotFound
		}
		return nil
	})
}

func (r *postgresRepository) CompleteTranscode(ctx context.Context, id string, video models.Video) (bool, error) {
	applied := false
	err := r.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		now := r.cfg.Clock().UTC()
		var owner string
		err := tx.QueryRow(ctx, `
UPDATE builders SET status = 'TRANSCODED', updated_at = $2
WHERE id = $1 AND status = 'UPLOADED'
RETURNING owner`, id, now).Scan(&owner)
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM builders WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check builder %s: %w", id, err)
			}
			if !exists {
				return ErrBuilderNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete builder %s: %w", id, err)
		}

		if video.Owner == "" {
			video.Owner = owner
		}
		if video.CreatedAt.IsZero() {
			video.CreatedAt = now
		}
		tag, err := tx.Exec(ctx, `
INSERT INTO videos (id, owner, source_key, media_url, thumbnail_url, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, id, video.Owner, video.SourceKey, video.MediaURL, video.ThumbnailURL, video.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert video %s: %w", id, err)
		}
		applied = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *postgresRepository) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM builders WHERE status = 'INITIATED' AND started_at < $1`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("reap stale builders: %w", err)
		}
		removed = int(tag.RowsAffected())
		return nil
	})
	return removed, err
}

func (r *postgresRepository) DeleteBuilder(ctx context.Context, id string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `DELETE FROM builders WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete builder %s: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrBuilderNotFound
		}
		return nil
	})
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (models.Video, error) {
	var video models.Video
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		err := conn.QueryRow(ctx, `
SELECT id, owner, source_key, media_url, thumbnail_url, created_at
FROM videos WHERE id = $1`, id).Scan(&video.ID, &video.Owner, &video.SourceKey, &video.MediaURL, &video.ThumbnailURL, &video.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrVideoNotFound
		}
		if err != nil {
			return fmt.Errorf("load video %s: %w", id, err)
		}
		video.CreatedAt = video.CreatedAt.UTC()
		return nil
	})
	return video, err
}
