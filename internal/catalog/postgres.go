package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresAgentsTableName        = "workreg_agents"
	postgresWorksTableName         = "workreg_works"
	postgresChecksumQueueTableName = "workreg_checksum_queue"
	postgresOperationTimeout       = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresCatalog struct {
	dsn           string
	agentsTable   string
	worksTable    string
	checksumTable string
	openDB        sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCatalog(dsn string) (*PostgresCatalog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCatalog{
		dsn:           dsn,
		agentsTable:   postgresAgentsTableName,
		worksTable:    postgresWorksTableName,
		checksumTable: postgresChecksumQueueTableName,
		openDB:        sql.Open,
	}, nil
}

func (c *PostgresCatalog) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					handle TEXT NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(c.agentsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					agent_id TEXT NOT NULL,
					ordinal INTEGER NOT NULL CHECK (ordinal > 0),
					storage_bucket TEXT NOT NULL,
					storage_path TEXT NOT NULL,
					mime_type TEXT,
					width INTEGER,
					height INTEGER,
					bytes BIGINT,
					sha256 TEXT,
					status TEXT NOT NULL,
					visibility TEXT NOT NULL DEFAULT 'public',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					checksum_verified_at TIMESTAMPTZ,
					UNIQUE (agent_id, ordinal)
				)`, postgresQuoteIdentifier(c.worksTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (agent_id, status, visibility, ordinal DESC, id DESC)",
				postgresQuoteIdentifier(c.worksTable+"_listing_idx"),
				postgresQuoteIdentifier(c.worksTable),
			),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					work_id TEXT PRIMARY KEY,
					agent_id TEXT NOT NULL,
					enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(c.checksumTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (agent_id)",
				postgresQuoteIdentifier(c.checksumTable+"_agent_idx"),
				postgresQuoteIdentifier(c.checksumTable),
			),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *PostgresCatalog) EnsureAgent(ctx context.Context, handle string) (Agent, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Agent{}, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return Agent{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// DO UPDATE instead of DO NOTHING so RETURNING yields the existing
	// row's id on conflict.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, handle, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (handle)
		DO UPDATE SET handle = EXCLUDED.handle
		RETURNING id, handle`, postgresQuoteIdentifier(c.agentsTable))
	var agent Agent
	if err := c.db.QueryRowContext(ctx, query, uuid.NewString(), handle).Scan(&agent.ID, &agent.Handle); err != nil {
		return Agent{}, err
	}
	return agent, nil
}

func (c *PostgresCatalog) AgentByHandle(ctx context.Context, handle string) (Agent, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Agent{}, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return Agent{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, handle FROM %s WHERE handle = $1", postgresQuoteIdentifier(c.agentsTable))
	var agent Agent
	err := c.db.QueryRowContext(ctx, query, handle).Scan(&agent.ID, &agent.Handle)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	return agent, nil
}

func (c *PostgresCatalog) UpsertWork(ctx context.Context, params UpsertWorkParams) (string, error) {
	if strings.TrimSpace(params.AgentID) == "" || params.Ordinal < 1 {
		return "", ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// Single atomic insert-or-update keyed by (agent_id, ordinal); the
	// row id assigned on first insert survives every later run.
	// COALESCE keeps previously computed metadata when a re-run does
	// not know it.
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, agent_id, ordinal, storage_bucket, storage_path,
			mime_type, width, height, bytes, sha256,
			status, visibility, created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			NULLIF($6, ''), NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, 0), NULLIF($10, ''),
			'active', 'public', NOW(), NOW()
		)
		ON CONFLICT (agent_id, ordinal)
		DO UPDATE SET
			storage_bucket = EXCLUDED.storage_bucket,
			storage_path = EXCLUDED.storage_path,
			mime_type = COALESCE(EXCLUDED.mime_type, %[1]s.mime_type),
			width = COALESCE(EXCLUDED.width, %[1]s.width),
			height = COALESCE(EXCLUDED.height, %[1]s.height),
			bytes = COALESCE(EXCLUDED.bytes, %[1]s.bytes),
			sha256 = COALESCE(EXCLUDED.sha256, %[1]s.sha256),
			status = 'active',
			updated_at = NOW()
		RETURNING id`, postgresQuoteIdentifier(c.worksTable))
	var id string
	err := c.db.QueryRowContext(ctx, query,
		uuid.NewString(), params.AgentID, params.Ordinal, params.Bucket, params.Path,
		params.MimeType, params.Width, params.Height, params.Bytes, params.SHA256,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *PostgresCatalog) InsertMissingIfAbsent(ctx context.Context, agentID string, ordinal int) error {
	if strings.TrimSpace(agentID) == "" || ordinal < 1 {
		return ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, agent_id, ordinal, storage_bucket, storage_path, status, visibility, created_at, updated_at)
		VALUES ($1, $2, $3, '', '', 'missing', 'public', NOW(), NOW())
		ON CONFLICT (agent_id, ordinal) DO NOTHING`, postgresQuoteIdentifier(c.worksTable))
	_, err := c.db.ExecContext(ctx, query, uuid.NewString(), agentID, ordinal)
	return err
}

func (c *PostgresCatalog) EnqueueChecksums(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (work_id, agent_id, enqueued_at)
		SELECT id, agent_id, NOW()
		FROM %s
		WHERE agent_id = $1 AND status = 'active' AND sha256 IS NULL
		ON CONFLICT (work_id) DO NOTHING`,
		postgresQuoteIdentifier(c.checksumTable),
		postgresQuoteIdentifier(c.worksTable))
	result, err := c.db.ExecContext(ctx, query, agentID)
	if err != nil {
		return 0, err
	}
	enqueued, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(enqueued), nil
}

func (c *PostgresCatalog) PendingChecksums(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE agent_id = $1", postgresQuoteIdentifier(c.checksumTable))
	var depth int
	if err := c.db.QueryRowContext(ctx, query, agentID).Scan(&depth); err != nil {
		return 0, err
	}
	return depth, nil
}

func (c *PostgresCatalog) QueryActivePublicWorks(ctx context.Context, agentID string, afterOrdinal int, afterID string, limit int) ([]Work, error) {
	if strings.TrimSpace(agentID) == "" || limit < 1 {
		return nil, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	selectColumns := `
		SELECT id, agent_id, ordinal, storage_bucket, storage_path,
			COALESCE(mime_type, ''), COALESCE(width, 0), COALESCE(height, 0),
			COALESCE(bytes, 0), COALESCE(sha256, ''),
			created_at, updated_at, checksum_verified_at`

	var rows *sql.Rows
	var err error
	if afterOrdinal > 0 {
		// Keyset continuation: rows strictly after the cursor position
		// in (ordinal DESC, id DESC) order.
		query := fmt.Sprintf(selectColumns+`
			FROM %s
			WHERE agent_id = $1 AND status = 'active' AND visibility = 'public'
				AND (ordinal, id) < ($2, $3)
			ORDER BY ordinal DESC, id DESC
			LIMIT $4`, postgresQuoteIdentifier(c.worksTable))
		rows, err = c.db.QueryContext(ctx, query, agentID, afterOrdinal, afterID, limit)
	} else {
		query := fmt.Sprintf(selectColumns+`
			FROM %s
			WHERE agent_id = $1 AND status = 'active' AND visibility = 'public'
			ORDER BY ordinal DESC, id DESC
			LIMIT $2`, postgresQuoteIdentifier(c.worksTable))
		rows, err = c.db.QueryContext(ctx, query, agentID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	works := make([]Work, 0, limit)
	for rows.Next() {
		var work Work
		var verifiedAt sql.NullTime
		if scanErr := rows.Scan(
			&work.ID, &work.AgentID, &work.Ordinal, &work.StorageBucket, &work.StoragePath,
			&work.MimeType, &work.Width, &work.Height, &work.Bytes, &work.SHA256,
			&work.CreatedAt, &work.UpdatedAt, &verifiedAt,
		); scanErr != nil {
			return nil, scanErr
		}
		work.Status = WorkStatusActive
		work.Visibility = VisibilityPublic
		if verifiedAt.Valid {
			verified := verifiedAt.Time
			work.ChecksumVerifiedAt = &verified
		}
		works = append(works, work)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return works, nil
}

func (c *PostgresCatalog) CountActive(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE agent_id = $1 AND status = 'active'", postgresQuoteIdentifier(c.worksTable))
	var count int
	if err := c.db.QueryRowContext(ctx, query, agentID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *PostgresCatalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
