package catalog

import "context"

type UpsertWorkParams struct {
	AgentID  string
	Ordinal  int
	Bucket   string
	Path     string
	MimeType string
	Width    int
	Height   int
	Bytes    int64
	SHA256   string
}

// CatalogStore is the durable work catalog. The reconciliation engine is
// its only writer; delivery reads it. Upserts must be atomic per
// (agent_id, ordinal) so concurrent or retried reconciliation runs
// converge to the same rows.
type CatalogStore interface {
	// EnsureAgent resolves the agent for a handle, creating the row if
	// it does not exist yet.
	EnsureAgent(ctx context.Context, handle string) (Agent, error)

	// AgentByHandle resolves an existing agent or returns ErrNotFound.
	AgentByHandle(ctx context.Context, handle string) (Agent, error)

	// UpsertWork inserts the row for (AgentID, Ordinal) or updates its
	// mutable fields, forcing status back to active. Returns the row's
	// stable id, which never changes across re-runs.
	UpsertWork(ctx context.Context, params UpsertWorkParams) (string, error)

	// InsertMissingIfAbsent records a gap placeholder unless a row for
	// the ordinal already exists.
	InsertMissingIfAbsent(ctx context.Context, agentID string, ordinal int) error

	// EnqueueChecksums queues integrity verification for every active
	// row lacking a sha256, skipping rows already queued. Returns the
	// number of rows newly queued.
	EnqueueChecksums(ctx context.Context, agentID string) (int, error)

	// PendingChecksums reports the verification queue depth for an agent.
	PendingChecksums(ctx context.Context, agentID string) (int, error)

	// QueryActivePublicWorks returns up to limit active+public rows in
	// (ordinal DESC, id DESC) order, strictly after the keyset position
	// when afterOrdinal > 0.
	QueryActivePublicWorks(ctx context.Context, agentID string, afterOrdinal int, afterID string, limit int) ([]Work, error)

	// CountActive counts active rows for an agent regardless of visibility.
	CountActive(ctx context.Context, agentID string) (int, error)

	Close() error
}
