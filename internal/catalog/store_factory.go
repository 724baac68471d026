package catalog

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildCatalogStoreFromDSN(dsn string) (CatalogStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryCatalog(), nil
	case "postgres", "postgresql":
		return NewPostgresCatalog(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: catalog store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported catalog store scheme: %s", scheme)
	}
}
