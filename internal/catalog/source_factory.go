package catalog

import (
	"fmt"
	"net/url"
	"strings"
)

type SourceOptions struct {
	Token string
}

func BuildObjectSourceFromDSN(dsn string, opts SourceOptions) (ObjectSource, error) {
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
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewDirectorySource(path)
	case "memory", "mem", "inmem":
		return NewMemorySource(), nil
	case "http", "https":
		return NewGatewaySource(GatewaySourceOptions{BaseURL: dsn, Token: opts.Token})
	case "s3", "gs":
		return nil, fmt.Errorf("%w: object source %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported object source scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}
