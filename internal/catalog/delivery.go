package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	deliveryDefaultLimit = 60
	deliveryMaxLimit     = 200
)

type DeliveryOptions struct {
	Store        CatalogStore
	Cache        *SignedURLCache
	SignedURLTTL time.Duration
}

// Delivery serves paginated listings of an agent's active, public works,
// each carrying a currently valid signed URL. It never writes.
type Delivery struct {
	store CatalogStore
	cache *SignedURLCache
	ttl   time.Duration
}

func NewDelivery(opts DeliveryOptions) (*Delivery, error) {
	if opts.Store == nil || opts.Cache == nil {
		return nil, ErrInvalidInput
	}
	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	return &Delivery{store: opts.Store, cache: opts.Cache, ttl: ttl}, nil
}

// ListWorks returns one keyset page in (ordinal DESC, id DESC) order.
// If any row's URL cannot be signed the whole page fails; callers never
// see a partially resolved page.
func (d *Delivery) ListWorks(ctx context.Context, handle, cursor string, limit int) (WorkPage, error) {
	if strings.TrimSpace(handle) == "" {
		return WorkPage{}, ErrInvalidInput
	}
	if limit <= 0 {
		limit = deliveryDefaultLimit
	}
	if limit > deliveryMaxLimit {
		limit = deliveryMaxLimit
	}

	agent, err := d.store.AgentByHandle(ctx, handle)
	if err != nil {
		return WorkPage{}, err
	}

	afterOrdinal := 0
	afterID := ""
	if strings.TrimSpace(cursor) != "" {
		decoded, err := decodeCursor(cursor)
		if err != nil {
			return WorkPage{}, err
		}
		afterOrdinal = decoded.LastOrdinal
		afterID = decoded.LastID
	}

	// limit+1 decides hasNext without a second count query.
	rows, err := d.store.QueryActivePublicWorks(ctx, agent.ID, afterOrdinal, afterID, limit+1)
	if err != nil {
		return WorkPage{}, fmt.Errorf("query works: %w", err)
	}
	var nextCursor *string
	if len(rows) > limit {
		rows = rows[:limit]
		last := rows[len(rows)-1]
		token := encodeCursor(last.Ordinal, last.ID)
		nextCursor = &token
	}

	items := make([]WorkItem, 0, len(rows))
	for _, row := range rows {
		signedURL, err := d.cache.GetSignedURL(ctx, row.StorageBucket, row.StoragePath, d.ttl)
		if err != nil {
			return WorkPage{}, fmt.Errorf("sign url for ordinal %d: %w", row.Ordinal, err)
		}
		items = append(items, WorkItem{
			ID:        row.ID,
			Ordinal:   row.Ordinal,
			MimeType:  row.MimeType,
			Width:     row.Width,
			Height:    row.Height,
			Bytes:     row.Bytes,
			SHA256:    row.SHA256,
			SignedURL: signedURL,
			CreatedAt: row.CreatedAt.UTC().Format(time.RFC3339),
			Verified:  row.ChecksumVerifiedAt != nil,
		})
	}
	return WorkPage{Items: items, NextCursor: nextCursor}, nil
}
