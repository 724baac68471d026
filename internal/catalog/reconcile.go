package catalog

import (
	"context"
	"fmt"
	"log"
	"mime"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	defaultReconcileBatchSize = 100
)

// Filenames must be a bare ordinal plus a known image extension, e.g.
// "1234.png". Anything else in the listing is an anomaly, not an error.
var ordinalFilePattern = regexp.MustCompile(`^([0-9]+)\.(?i:png|jpe?g|gif|webp)$`)

type ReconcilerOptions struct {
	Source    ObjectSource
	Store     CatalogStore
	Bucket    string
	Prefix    string
	BatchSize int
	PageSize  int
	Logger    *log.Logger
	Progress  func(ReconcileProgress)
}

// Reconciler aligns the catalog with the object store for one agent:
// every listed object with a valid ordinal ends up as an active row,
// every expected-but-absent ordinal as a missing placeholder. Re-running
// it over an unchanged store is a no-op.
type Reconciler struct {
	source    ObjectSource
	store     CatalogStore
	bucket    string
	prefix    string
	batchSize int
	pageSize  int
	logger    *log.Logger
	progress  func(ReconcileProgress)
}

type ReconcileSummary struct {
	AgentID          string  `json:"agentId"`
	Scanned          int     `json:"scanned"`
	Inserted         int     `json:"inserted"`
	Missing          int     `json:"missing"`
	Errors           int     `json:"errors"`
	Enqueued         int     `json:"enqueued"`
	FinalActiveCount int     `json:"finalActiveCount"`
	DurationSeconds  float64 `json:"durationSeconds"`
	Warning          string  `json:"warning,omitempty"`
}

type ReconcileProgress struct {
	Batch    int `json:"batch"`
	Batches  int `json:"batches"`
	Scanned  int `json:"scanned"`
	Inserted int `json:"inserted"`
	Errors   int `json:"errors"`
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Source == nil || opts.Store == nil {
		return nil, ErrInvalidInput
	}
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidInput)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReconcileBatchSize
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultSourcePageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		source:    opts.Source,
		store:     opts.Store,
		bucket:    bucket,
		prefix:    strings.Trim(strings.TrimSpace(opts.Prefix), "/"),
		batchSize: batchSize,
		pageSize:  pageSize,
		logger:    logger,
		progress:  opts.Progress,
	}, nil
}

func (r *Reconciler) Reconcile(ctx context.Context, agentID string, expectedCount int) (ReconcileSummary, error) {
	return r.ReconcileWithProgress(ctx, agentID, expectedCount, r.progress)
}

// ReconcileWithProgress runs one full backfill pass. Per-object failures
// are counted and skipped; listing or store failures at the edges of the
// run abort it. The pass is safe to retry wholesale after any failure.
func (r *Reconciler) ReconcileWithProgress(ctx context.Context, agentID string, expectedCount int, progress func(ReconcileProgress)) (ReconcileSummary, error) {
	summary := ReconcileSummary{AgentID: strings.TrimSpace(agentID)}
	if summary.AgentID == "" || expectedCount < 1 {
		return summary, ErrInvalidInput
	}
	start := time.Now()
	defer func() {
		summary.DurationSeconds = time.Since(start).Seconds()
	}()

	objects, err := r.drainListing(ctx)
	if err != nil {
		return summary, fmt.Errorf("enumerate objects: %w", err)
	}
	summary.Scanned = len(objects)

	type candidate struct {
		ordinal int
		object  StorageObject
	}
	candidates := make([]candidate, 0, len(objects))
	found := make(map[int]bool, len(objects))
	for _, object := range objects {
		ordinal, ok := parseOrdinal(object.Name)
		if !ok {
			summary.Errors++
			r.logger.Printf("reconcile %s: skipping object with unparseable name %q", summary.AgentID, object.Name)
			continue
		}
		if ordinal < 1 || ordinal > expectedCount {
			summary.Errors++
			r.logger.Printf("reconcile %s: skipping object %q with out-of-range ordinal %d (expected 1..%d)", summary.AgentID, object.Name, ordinal, expectedCount)
			continue
		}
		candidates = append(candidates, candidate{ordinal: ordinal, object: object})
	}

	batches := (len(candidates) + r.batchSize - 1) / r.batchSize
	for batch := 0; batch < batches; batch++ {
		if err := ctx.Err(); err != nil {
			// Committed upserts stay valid under the idempotency
			// contract; the next run picks up where this one stopped.
			return summary, err
		}
		lo := batch * r.batchSize
		hi := lo + r.batchSize
		if hi > len(candidates) {
			hi = len(candidates)
		}
		for _, item := range candidates[lo:hi] {
			if _, err := r.store.UpsertWork(ctx, UpsertWorkParams{
				AgentID:  summary.AgentID,
				Ordinal:  item.ordinal,
				Bucket:   r.bucket,
				Path:     item.object.Name,
				MimeType: mime.TypeByExtension(strings.ToLower(path.Ext(item.object.Name))),
				Bytes:    item.object.Bytes,
			}); err != nil {
				summary.Errors++
				r.logger.Printf("reconcile %s: upsert ordinal %d failed: %v", summary.AgentID, item.ordinal, err)
				continue
			}
			found[item.ordinal] = true
			summary.Inserted++
		}
		r.logger.Printf("reconcile %s: batch %d/%d done (scanned=%d inserted=%d errors=%d)",
			summary.AgentID, batch+1, batches, summary.Scanned, summary.Inserted, summary.Errors)
		if progress != nil {
			progress(ReconcileProgress{
				Batch:    batch + 1,
				Batches:  batches,
				Scanned:  summary.Scanned,
				Inserted: summary.Inserted,
				Errors:   summary.Errors,
			})
		}
	}

	for ordinal := 1; ordinal <= expectedCount; ordinal++ {
		if found[ordinal] {
			continue
		}
		summary.Missing++
		if err := r.store.InsertMissingIfAbsent(ctx, summary.AgentID, ordinal); err != nil {
			summary.Errors++
			r.logger.Printf("reconcile %s: record missing ordinal %d failed: %v", summary.AgentID, ordinal, err)
		}
	}

	enqueued, err := r.store.EnqueueChecksums(ctx, summary.AgentID)
	if err != nil {
		return summary, fmt.Errorf("enqueue checksum verification: %w", err)
	}
	summary.Enqueued = enqueued

	finalActive, err := r.store.CountActive(ctx, summary.AgentID)
	if err != nil {
		return summary, fmt.Errorf("final active count: %w", err)
	}
	summary.FinalActiveCount = finalActive
	if want := expectedCount - summary.Missing; finalActive != want {
		summary.Warning = fmt.Sprintf("active count %d does not match expected %d; re-run reconciliation", finalActive, want)
		r.logger.Printf("reconcile %s: %s", summary.AgentID, summary.Warning)
	}
	return summary, nil
}

func (r *Reconciler) drainListing(ctx context.Context) ([]StorageObject, error) {
	var objects []StorageObject
	pageToken := ""
	for {
		page, err := r.source.ListObjects(ctx, r.prefix, pageToken, r.pageSize)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Objects...)
		if page.NextPageToken == "" {
			return objects, nil
		}
		if page.NextPageToken == pageToken {
			return nil, fmt.Errorf("object source returned non-advancing page token %q", pageToken)
		}
		pageToken = page.NextPageToken
	}
}

func parseOrdinal(name string) (int, bool) {
	match := ordinalFilePattern.FindStringSubmatch(path.Base(name))
	if match == nil {
		return 0, false
	}
	ordinal, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return ordinal, true
}
