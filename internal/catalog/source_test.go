package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, root, rel string, size int) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestDirectorySourceListsRelativeSlashNames(t *testing.T) {
	root := t.TempDir()
	writeTestFile(t, root, "agents/muse/2.png", 20)
	writeTestFile(t, root, "agents/muse/1.png", 10)
	writeTestFile(t, root, "agents/other/1.png", 30)
	source, err := NewDirectorySource(root)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}

	page, err := source.ListObjects(context.Background(), "agents/muse", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 {
		t.Fatalf("expected 2 objects under the prefix, got %d", len(page.Objects))
	}
	if page.Objects[0].Name != "agents/muse/1.png" || page.Objects[1].Name != "agents/muse/2.png" {
		t.Fatalf("expected sorted slash-relative names, got %+v", page.Objects)
	}
	if page.Objects[0].Bytes != 10 || page.Objects[1].Bytes != 20 {
		t.Fatalf("expected file sizes to be reported, got %+v", page.Objects)
	}
	if page.NextPageToken != "" {
		t.Fatalf("expected exhausted listing, got token %q", page.NextPageToken)
	}
}

func TestDirectorySourcePaginates(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"a/1.png", "a/2.png", "a/3.png"} {
		writeTestFile(t, root, rel, 1)
	}
	source, err := NewDirectorySource(root)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	ctx := context.Background()

	var names []string
	token := ""
	pages := 0
	for {
		page, err := source.ListObjects(ctx, "a", token, 2)
		if err != nil {
			t.Fatalf("list page %d: %v", pages, err)
		}
		pages++
		for _, obj := range page.Objects {
			names = append(names, obj.Name)
		}
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if pages != 2 || len(names) != 3 {
		t.Fatalf("expected 3 objects over 2 pages, got %d over %d", len(names), pages)
	}
}

func TestDirectorySourceRejectsBadPageToken(t *testing.T) {
	source, err := NewDirectorySource(t.TempDir())
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	if _, err := source.ListObjects(context.Background(), "", "banana", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad token, got %v", err)
	}
}

func TestMemorySourceFiltersByPrefix(t *testing.T) {
	source := NewMemorySource(
		StorageObject{Name: "a/1.png"},
		StorageObject{Name: "a/2.png"},
		StorageObject{Name: "ab/1.png"},
		StorageObject{Name: "b/1.png"},
	)
	page, err := source.ListObjects(context.Background(), "a", "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// "ab/" shares a text prefix with "a" but is a different directory.
	if len(page.Objects) != 2 {
		t.Fatalf("expected 2 objects under prefix a, got %+v", page.Objects)
	}
	for _, obj := range page.Objects {
		if obj.Name != "a/1.png" && obj.Name != "a/2.png" {
			t.Fatalf("unexpected object %q under prefix a", obj.Name)
		}
	}
}

func TestBuildObjectSourceFromDSN(t *testing.T) {
	dir := t.TempDir()

	source, err := BuildObjectSourceFromDSN("file://"+dir, SourceOptions{})
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if _, ok := source.(*DirectorySource); !ok {
		t.Fatalf("expected *DirectorySource for file dsn, got %T", source)
	}

	source, err = BuildObjectSourceFromDSN("memory://", SourceOptions{})
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	if _, ok := source.(*MemorySource); !ok {
		t.Fatalf("expected *MemorySource for memory dsn, got %T", source)
	}

	source, err = BuildObjectSourceFromDSN("https://gateway.example/v1", SourceOptions{Token: "tok"})
	if err != nil {
		t.Fatalf("http dsn: %v", err)
	}
	if _, ok := source.(*GatewaySource); !ok {
		t.Fatalf("expected *GatewaySource for http dsn, got %T", source)
	}

	if _, err := BuildObjectSourceFromDSN("s3://bucket", SourceOptions{}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for s3, got %v", err)
	}
	if _, err := BuildObjectSourceFromDSN("carrier-pigeon://x", SourceOptions{}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	source, err = BuildObjectSourceFromDSN("", SourceOptions{})
	if err != nil || source != nil {
		t.Fatalf("expected nil source for empty dsn, got %v / %v", source, err)
	}
}

func TestBuildCatalogStoreFromDSN(t *testing.T) {
	store, err := BuildCatalogStoreFromDSN("memory://")
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	if _, ok := store.(*MemoryCatalog); !ok {
		t.Fatalf("expected *MemoryCatalog for memory dsn, got %T", store)
	}

	if _, err := BuildCatalogStoreFromDSN("mysql://h/db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildCatalogStoreFromDSN("carrier-pigeon://x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	store, err = BuildCatalogStoreFromDSN("")
	if err != nil || store != nil {
		t.Fatalf("expected nil store for empty dsn, got %v / %v", store, err)
	}
}
