package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentacademy/workregistry/internal/catalog"
	"github.com/agentacademy/workregistry/internal/httpapi"
)

func main() {
	addr := os.Getenv("WORKREG_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	store, err := catalog.BuildCatalogStoreFromDSN(os.Getenv("WORKREG_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize catalog store: %v", err)
	}
	if store == nil {
		log.Fatalf("WORKREG_STORE_DSN is required (postgres:// or memory://)")
	}

	signer, err := catalog.NewHMACSigner(catalog.HMACSignerOptions{
		BaseURL: os.Getenv("WORKREG_SIGNING_BASE_URL"),
		Secret:  os.Getenv("WORKREG_SIGNING_SECRET"),
	})
	if err != nil {
		log.Fatalf("failed to initialize url signer (WORKREG_SIGNING_BASE_URL and WORKREG_SIGNING_SECRET are required): %v", err)
	}
	cache, err := catalog.NewSignedURLCache(signer)
	if err != nil {
		log.Fatalf("failed to initialize signed url cache: %v", err)
	}
	delivery, err := catalog.NewDelivery(catalog.DeliveryOptions{
		Store:        store,
		Cache:        cache,
		SignedURLTTL: durationEnv("WORKREG_SIGNED_URL_TTL", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize delivery service: %v", err)
	}

	reconciler, err := buildReconcilerFromEnv(store)
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}
	if reconciler == nil {
		log.Printf("no WORKREG_SOURCE_DSN configured; reconcile trigger endpoint disabled")
	}

	server := httpapi.NewServerWithConfig(delivery, reconciler, httpapi.ServerConfig{
		InternalHMACSecret: os.Getenv("WORKREG_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("WORKREG_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("WORKREG_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("WORKREG_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("WORKREG_MAX_BODY_BYTES", 0),
	})

	log.Printf("workreg listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildReconcilerFromEnv(store catalog.CatalogStore) (*catalog.Reconciler, error) {
	sourceDSN := strings.TrimSpace(os.Getenv("WORKREG_SOURCE_DSN"))
	if sourceDSN == "" {
		return nil, nil
	}
	source, err := catalog.BuildObjectSourceFromDSN(sourceDSN, catalog.SourceOptions{
		Token: strings.TrimSpace(os.Getenv("WORKREG_SOURCE_TOKEN")),
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(os.Getenv("WORKREG_BUCKET"))
	if bucket == "" {
		bucket = "workregistry"
	}
	return catalog.NewReconciler(catalog.ReconcilerOptions{
		Source:    source,
		Store:     store,
		Bucket:    bucket,
		Prefix:    strings.TrimSpace(os.Getenv("WORKREG_PREFIX")),
		BatchSize: intEnv("WORKREG_RECONCILE_BATCH_SIZE", 0),
		PageSize:  intEnv("WORKREG_SOURCE_PAGE_SIZE", 0),
	})
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

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
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
