package catalog

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// URLSigner produces a time-limited retrieval URL for one stored object.
// The credential issuer is authoritative; the cache in front of it only
// amortizes issuance cost.
type URLSigner interface {
	Sign(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
}

type HMACSignerOptions struct {
	BaseURL string
	Secret  string
	Now     func() time.Time
}

// HMACSigner issues URLs of the form
// {base}/{bucket}/{path}?expires={unix}&signature={hex} where the
// signature covers bucket, path and the expiry instant.
type HMACSigner struct {
	baseURL string
	secret  string
	now     func() time.Time
}

func NewHMACSigner(opts HMACSignerOptions) (*HMACSigner, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(opts.Secret) == "" {
		return nil, ErrInvalidInput
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &HMACSigner{baseURL: baseURL, secret: opts.Secret, now: now}, nil
}

func (s *HMACSigner) Sign(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	bucket = strings.TrimSpace(bucket)
	path = strings.Trim(strings.TrimSpace(path), "/")
	if bucket == "" || path == "" {
		return "", fmt.Errorf("%w: bucket and path are required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	expires := s.now().UTC().Add(ttl).Unix()

	mac := hmac.New(sha256.New, []byte(s.secret))
	_, _ = mac.Write([]byte(bucket))
	_, _ = mac.Write([]byte{'\n'})
	_, _ = mac.Write([]byte(path))
	_, _ = mac.Write([]byte{'\n'})
	_, _ = fmt.Fprintf(mac, "%d", expires)
	signature := hex.EncodeToString(mac.Sum(nil))

	escaped := make([]string, 0, 4)
	for _, segment := range strings.Split(path, "/") {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return fmt.Sprintf("%s/%s/%s?expires=%d&signature=%s",
		s.baseURL, url.PathEscape(bucket), strings.Join(escaped, "/"), expires, signature), nil
}
