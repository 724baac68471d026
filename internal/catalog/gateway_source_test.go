package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGatewaySourceListsPages(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/objects" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok_123" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if got := r.URL.Query().Get("prefix"); got != "agents/muse" {
			t.Errorf("unexpected prefix %q", got)
		}
		var page ObjectPage
		if r.URL.Query().Get("pageToken") == "" {
			page = ObjectPage{
				Objects:       []StorageObject{{Name: "agents/muse/1.png", Bytes: 10}},
				NextPageToken: "page2",
			}
		} else {
			page = ObjectPage{
				Objects: []StorageObject{{Name: "agents/muse/2.png", Bytes: 20}},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
	defer gateway.Close()

	source, err := NewGatewaySource(GatewaySourceOptions{BaseURL: gateway.URL, Token: "tok_123"})
	if err != nil {
		t.Fatalf("new gateway source: %v", err)
	}
	ctx := context.Background()

	first, err := source.ListObjects(ctx, "agents/muse", "", 100)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first.Objects) != 1 || first.Objects[0].Name != "agents/muse/1.png" || first.NextPageToken != "page2" {
		t.Fatalf("unexpected first page: %+v", first)
	}

	second, err := source.ListObjects(ctx, "agents/muse", first.NextPageToken, 100)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second.Objects) != 1 || second.Objects[0].Name != "agents/muse/2.png" || second.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v", second)
	}
}

func TestGatewaySourceRetriesOnTooManyRequests(t *testing.T) {
	var calls atomic.Int64
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(ObjectPage{Objects: []StorageObject{{Name: "a/1.png"}}})
	}))
	defer gateway.Close()

	source, err := NewGatewaySource(GatewaySourceOptions{
		BaseURL:   gateway.URL,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new gateway source: %v", err)
	}
	page, err := source.ListObjects(context.Background(), "", "", 10)
	if err != nil {
		t.Fatalf("list after retry: %v", err)
	}
	if len(page.Objects) != 1 {
		t.Fatalf("unexpected page after retry: %+v", page)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestGatewaySourceSurfacesAPIError(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"token expired"}`))
	}))
	defer gateway.Close()

	source, err := NewGatewaySource(GatewaySourceOptions{BaseURL: gateway.URL})
	if err != nil {
		t.Fatalf("new gateway source: %v", err)
	}
	_, err = source.ListObjects(context.Background(), "", "", 10)
	if err == nil || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("expected surfaced API message, got %v", err)
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	cases := map[string]time.Duration{
		"":     0,
		"x":    0,
		"-1":   0,
		"3":    3 * time.Second,
		" 10 ": 10 * time.Second,
	}
	for header, want := range cases {
		if got := parseRetryAfterSeconds(header); got != want {
			t.Fatalf("parseRetryAfterSeconds(%q) = %s, expected %s", header, got, want)
		}
	}
}
