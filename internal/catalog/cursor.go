package catalog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// pageCursor is the decoded form of a pagination token. The token is
// opaque to callers: base64url over a small JSON document carrying the
// keyset position of the last row returned.
type pageCursor struct {
	LastOrdinal int    `json:"lastOrdinal"`
	LastID      string `json:"lastId"`
}

func encodeCursor(lastOrdinal int, lastID string) string {
	payload, _ := json.Marshal(pageCursor{LastOrdinal: lastOrdinal, LastID: lastID})
	return base64.RawURLEncoding.EncodeToString(payload)
}

func decodeCursor(raw string) (pageCursor, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return pageCursor{}, fmt.Errorf("%w: empty token", ErrInvalidCursor)
	}
	payload, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return pageCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var cursor pageCursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return pageCursor{}, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if cursor.LastOrdinal < 1 || strings.TrimSpace(cursor.LastID) == "" {
		return pageCursor{}, fmt.Errorf("%w: incomplete token", ErrInvalidCursor)
	}
	return cursor, nil
}
