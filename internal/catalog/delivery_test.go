package catalog

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

func newTestDelivery(t *testing.T, store CatalogStore, signer URLSigner) *Delivery {
	t.Helper()
	cache, err := NewSignedURLCacheWithOptions(SignedURLCacheOptions{
		Signer:    signer,
		RandFloat: func() float64 { return 1 },
	})
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	delivery, err := NewDelivery(DeliveryOptions{
		Store:        store,
		Cache:        cache,
		SignedURLTTL: 30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new delivery: %v", err)
	}
	return delivery
}

func seedAgentWithWorks(t *testing.T, store *MemoryCatalog, handle string, count int) Agent {
	t.Helper()
	ctx := context.Background()
	agent, err := store.EnsureAgent(ctx, handle)
	if err != nil {
		t.Fatalf("ensure agent: %v", err)
	}
	for ordinal := 1; ordinal <= count; ordinal++ {
		_, err := store.UpsertWork(ctx, UpsertWorkParams{
			AgentID:  agent.ID,
			Ordinal:  ordinal,
			Bucket:   "works",
			Path:     "agents/" + handle + "/" + strconv.Itoa(ordinal) + ".png",
			MimeType: "image/png",
			Bytes:    int64(1000 + ordinal),
		})
		if err != nil {
			t.Fatalf("seed ordinal %d: %v", ordinal, err)
		}
	}
	return agent
}

func ordinalsOf(items []WorkItem) []int {
	out := make([]int, 0, len(items))
	for _, item := range items {
		out = append(out, item.Ordinal)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListWorksPagesNewestFirst(t *testing.T) {
	store := NewMemoryCatalog()
	seedAgentWithWorks(t, store, "muse", 5)
	delivery := newTestDelivery(t, store, &countingSigner{})
	ctx := context.Background()

	page1, err := delivery.ListWorks(ctx, "muse", "", 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if !equalInts(ordinalsOf(page1.Items), []int{5, 4}) {
		t.Fatalf("page 1 ordinals: got %v, expected [5 4]", ordinalsOf(page1.Items))
	}
	if page1.NextCursor == nil {
		t.Fatalf("page 1 should carry a next cursor")
	}

	page2, err := delivery.ListWorks(ctx, "muse", *page1.NextCursor, 2)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if !equalInts(ordinalsOf(page2.Items), []int{3, 2}) {
		t.Fatalf("page 2 ordinals: got %v, expected [3 2]", ordinalsOf(page2.Items))
	}
	if page2.NextCursor == nil {
		t.Fatalf("page 2 should carry a next cursor")
	}

	page3, err := delivery.ListWorks(ctx, "muse", *page2.NextCursor, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if !equalInts(ordinalsOf(page3.Items), []int{1}) {
		t.Fatalf("page 3 ordinals: got %v, expected [1]", ordinalsOf(page3.Items))
	}
	if page3.NextCursor != nil {
		t.Fatalf("final page must not carry a next cursor, got %q", *page3.NextCursor)
	}

	for _, item := range page1.Items {
		if item.SignedURL == "" {
			t.Fatalf("every delivered item must carry a signed url, ordinal %d is empty", item.Ordinal)
		}
		if item.CreatedAt == "" {
			t.Fatalf("expected RFC3339 createdAt on ordinal %d", item.Ordinal)
		}
	}
}

func TestListWorksExactPageBoundary(t *testing.T) {
	store := NewMemoryCatalog()
	seedAgentWithWorks(t, store, "muse", 4)
	delivery := newTestDelivery(t, store, &countingSigner{})

	page, err := delivery.ListWorks(context.Background(), "muse", "", 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(page.Items))
	}
	// The row count equals the limit exactly, so there is no further page.
	if page.NextCursor != nil {
		t.Fatalf("expected no next cursor on an exactly full final page")
	}
}

func TestListWorksDefaultsAndClampsLimit(t *testing.T) {
	store := NewMemoryCatalog()
	seedAgentWithWorks(t, store, "muse", 3)
	delivery := newTestDelivery(t, store, &countingSigner{})
	ctx := context.Background()

	page, err := delivery.ListWorks(ctx, "muse", "", 0)
	if err != nil {
		t.Fatalf("list with zero limit: %v", err)
	}
	if len(page.Items) != 3 || page.NextCursor != nil {
		t.Fatalf("expected the default limit to cover 3 rows in one page, got %d items", len(page.Items))
	}

	if _, err := delivery.ListWorks(ctx, "muse", "", 100000); err != nil {
		t.Fatalf("oversized limit must be clamped, not rejected: %v", err)
	}
}

func TestListWorksExcludesMissingRows(t *testing.T) {
	store := NewMemoryCatalog()
	agent := seedAgentWithWorks(t, store, "muse", 2)
	if err := store.InsertMissingIfAbsent(context.Background(), agent.ID, 3); err != nil {
		t.Fatalf("insert missing: %v", err)
	}
	delivery := newTestDelivery(t, store, &countingSigner{})

	page, err := delivery.ListWorks(context.Background(), "muse", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !equalInts(ordinalsOf(page.Items), []int{2, 1}) {
		t.Fatalf("missing placeholder leaked into delivery: %v", ordinalsOf(page.Items))
	}
}

func TestListWorksUnknownAgent(t *testing.T) {
	delivery := newTestDelivery(t, NewMemoryCatalog(), &countingSigner{})
	if _, err := delivery.ListWorks(context.Background(), "nobody", "", 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListWorksRejectsBadCursor(t *testing.T) {
	store := NewMemoryCatalog()
	seedAgentWithWorks(t, store, "muse", 1)
	delivery := newTestDelivery(t, store, &countingSigner{})
	if _, err := delivery.ListWorks(context.Background(), "muse", "!!!not-a-cursor!!!", 10); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestListWorksFailsWholePageOnSigningError(t *testing.T) {
	store := NewMemoryCatalog()
	seedAgentWithWorks(t, store, "muse", 3)
	delivery := newTestDelivery(t, store, &countingSigner{fail: true})

	if _, err := delivery.ListWorks(context.Background(), "muse", "", 10); err == nil {
		t.Fatalf("expected the page to fail when signing fails")
	}
}

func TestListWorksEmptyCatalog(t *testing.T) {
	store := NewMemoryCatalog()
	if _, err := store.EnsureAgent(context.Background(), "muse"); err != nil {
		t.Fatalf("ensure agent: %v", err)
	}
	delivery := newTestDelivery(t, store, &countingSigner{})

	page, err := delivery.ListWorks(context.Background(), "muse", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Items == nil || len(page.Items) != 0 {
		t.Fatalf("expected an empty but non-nil item list, got %#v", page.Items)
	}
	if page.NextCursor != nil {
		t.Fatalf("expected no cursor on an empty page")
	}
}
