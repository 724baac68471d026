package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentacademy/workregistry/internal/catalog"
)

func main() {
	storeDSN := flag.String("store-dsn", strings.TrimSpace(os.Getenv("WORKREG_STORE_DSN")), "catalog store DSN (postgres:// or memory://)")
	sourceDSN := flag.String("source-dsn", strings.TrimSpace(os.Getenv("WORKREG_SOURCE_DSN")), "object source DSN (file://, http(s)://)")
	sourceToken := flag.String("source-token", strings.TrimSpace(os.Getenv("WORKREG_SOURCE_TOKEN")), "bearer token for gateway object sources")
	bucket := flag.String("bucket", envOrDefault("WORKREG_BUCKET", "workregistry"), "storage bucket recorded on catalog rows")
	prefix := flag.String("prefix", strings.TrimSpace(os.Getenv("WORKREG_PREFIX")), "object prefix to enumerate")
	agentHandle := flag.String("agent", strings.TrimSpace(os.Getenv("WORKREG_AGENT")), "agent handle (resolved or created in the store)")
	agentID := flag.String("agent-id", strings.TrimSpace(os.Getenv("WORKREG_AGENT_ID")), "agent id (skips handle resolution)")
	expected := flag.Int("expected", intEnv("WORKREG_EXPECTED_COUNT", 0), "expected ordinal count, bounds the agent's corpus")
	batchSize := flag.Int("batch-size", intEnv("WORKREG_RECONCILE_BATCH_SIZE", 0), "upsert batch size")
	pageSize := flag.Int("page-size", intEnv("WORKREG_SOURCE_PAGE_SIZE", 0), "object source page size")
	watch := flag.Bool("watch", false, "keep running and reconcile again when the source directory changes")
	debounce := flag.Duration("debounce", durationEnv("WORKREG_WATCH_DEBOUNCE", 2*time.Second), "quiet period before a watch-triggered re-run")
	flag.Parse()

	if strings.TrimSpace(*storeDSN) == "" {
		log.Fatalf("store-dsn is required (--store-dsn or WORKREG_STORE_DSN)")
	}
	if strings.TrimSpace(*sourceDSN) == "" {
		log.Fatalf("source-dsn is required (--source-dsn or WORKREG_SOURCE_DSN)")
	}
	if *expected < 1 {
		log.Fatalf("expected is required and must be positive (--expected or WORKREG_EXPECTED_COUNT)")
	}
	if strings.TrimSpace(*agentHandle) == "" && strings.TrimSpace(*agentID) == "" {
		log.Fatalf("one of --agent or --agent-id is required")
	}

	store, err := catalog.BuildCatalogStoreFromDSN(*storeDSN)
	if err != nil {
		log.Fatalf("failed to initialize catalog store: %v", err)
	}
	defer store.Close()

	source, err := catalog.BuildObjectSourceFromDSN(*sourceDSN, catalog.SourceOptions{Token: *sourceToken})
	if err != nil {
		log.Fatalf("failed to initialize object source: %v", err)
	}

	reconciler, err := catalog.NewReconciler(catalog.ReconcilerOptions{
		Source:    source,
		Store:     store,
		Bucket:    *bucket,
		Prefix:    *prefix,
		BatchSize: *batchSize,
		PageSize:  *pageSize,
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolvedAgentID := strings.TrimSpace(*agentID)
	if resolvedAgentID == "" {
		agent, err := store.EnsureAgent(ctx, *agentHandle)
		if err != nil {
			log.Fatalf("failed to resolve agent %q: %v", *agentHandle, err)
		}
		resolvedAgentID = agent.ID
		log.Printf("resolved agent %s to id %s", agent.Handle, agent.ID)
	}

	if err := runOnce(ctx, reconciler, resolvedAgentID, *expected); err != nil {
		log.Fatalf("reconciliation failed: %v", err)
	}

	if !*watch {
		return
	}
	dirSource, ok := source.(*catalog.DirectorySource)
	if !ok {
		log.Fatalf("--watch requires a file:// object source")
	}
	if err := watchAndReconcile(ctx, dirSource, *prefix, *debounce, func(runCtx context.Context) error {
		return runOnce(runCtx, reconciler, resolvedAgentID, *expected)
	}); err != nil && ctx.Err() == nil {
		log.Fatalf("watch failed: %v", err)
	}
}

func runOnce(ctx context.Context, reconciler *catalog.Reconciler, agentID string, expected int) error {
	summary, err := reconciler.Reconcile(ctx, agentID, expected)
	if err != nil {
		return err
	}
	encoded, marshalErr := json.MarshalIndent(summary, "", "  ")
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(encoded))
	return nil
}

func watchAndReconcile(ctx context.Context, source *catalog.DirectorySource, prefix string, debounce time.Duration, run func(context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watchDir := source.Root()
	cleanPrefix := strings.Trim(strings.TrimSpace(prefix), "/")
	if cleanPrefix != "" {
		watchDir = filepath.Join(watchDir, filepath.FromSlash(cleanPrefix))
	}
	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("watch %s: %w", watchDir, err)
	}
	log.Printf("watching %s for changes", watchDir)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watch error: %v", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := run(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("watch-triggered reconciliation failed: %v", err)
			}
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
