package catalog

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidCursor  = errors.New("invalid cursor")
	ErrNotImplemented = errors.New("not implemented")
)

type WorkStatus string

const (
	WorkStatusActive  WorkStatus = "active"
	WorkStatusMissing WorkStatus = "missing"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Agent struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// Work is the canonical catalog row for one artifact. (AgentID, Ordinal)
// is unique per agent and is the identity the outside world addresses
// artifacts by; everything else is mutable or derived.
type Work struct {
	ID                 string
	AgentID            string
	Ordinal            int
	StorageBucket      string
	StoragePath        string
	MimeType           string
	Width              int
	Height             int
	Bytes              int64
	SHA256             string
	Status             WorkStatus
	Visibility         Visibility
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ChecksumVerifiedAt *time.Time
}

type WorkItem struct {
	ID        string `json:"id"`
	Ordinal   int    `json:"ordinal"`
	MimeType  string `json:"mimeType,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	SHA256    string `json:"sha256,omitempty"`
	SignedURL string `json:"signedUrl"`
	CreatedAt string `json:"createdAt"`
	Verified  bool   `json:"verified"`
}

type WorkPage struct {
	Items      []WorkItem `json:"items"`
	NextCursor *string    `json:"nextCursor"`
}
