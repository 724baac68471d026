package catalog

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const defaultSourcePageSize = 1000

type StorageObject struct {
	Name  string `json:"name"`
	Bytes int64  `json:"bytes,omitempty"`
}

type ObjectPage struct {
	Objects       []StorageObject `json:"objects"`
	NextPageToken string          `json:"nextPageToken,omitempty"`
}

// ObjectSource lists candidate objects under a prefix using the store's
// own pagination. An empty NextPageToken signals exhaustion.
type ObjectSource interface {
	ListObjects(ctx context.Context, prefix, pageToken string, pageSize int) (ObjectPage, error)
}

// DirectorySource serves a local directory tree as an object listing.
// Object names are slash-separated paths relative to the root, so a
// prefix of "agents/muse" lists files under <root>/agents/muse.
type DirectorySource struct {
	root string
}

func NewDirectorySource(root string) (*DirectorySource, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	return &DirectorySource{root: root}, nil
}

func (s *DirectorySource) Root() string {
	return s.root
}

func (s *DirectorySource) ListObjects(ctx context.Context, prefix, pageToken string, pageSize int) (ObjectPage, error) {
	if err := ctx.Err(); err != nil {
		return ObjectPage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultSourcePageSize
	}
	offset := 0
	if strings.TrimSpace(pageToken) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(pageToken))
		if err != nil || parsed < 0 {
			return ObjectPage{}, fmt.Errorf("%w: bad page token %q", ErrInvalidInput, pageToken)
		}
		offset = parsed
	}

	all, err := s.listAll(prefix)
	if err != nil {
		return ObjectPage{}, err
	}
	if offset >= len(all) {
		return ObjectPage{Objects: []StorageObject{}}, nil
	}
	end := offset + pageSize
	nextToken := ""
	if end < len(all) {
		nextToken = strconv.Itoa(end)
	} else {
		end = len(all)
	}
	return ObjectPage{Objects: all[offset:end], NextPageToken: nextToken}, nil
}

func (s *DirectorySource) listAll(prefix string) ([]StorageObject, error) {
	base := s.root
	cleanPrefix := strings.Trim(path.Clean("/"+strings.TrimSpace(prefix)), "/")
	if cleanPrefix != "" && cleanPrefix != "." {
		base = filepath.Join(s.root, filepath.FromSlash(cleanPrefix))
	}
	var objects []StorageObject
	err := filepath.Walk(base, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		objects = append(objects, StorageObject{
			Name:  filepath.ToSlash(rel),
			Bytes: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list directory source: %w", err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

// MemorySource holds a fixed object set; used by tests and the
// memory:// source profile.
type MemorySource struct {
	mu      sync.Mutex
	objects []StorageObject
}

func NewMemorySource(objects ...StorageObject) *MemorySource {
	s := &MemorySource{}
	s.Put(objects...)
	return s
}

func (s *MemorySource) Put(objects ...StorageObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, objects...)
	sort.Slice(s.objects, func(i, j int) bool { return s.objects[i].Name < s.objects[j].Name })
}

func (s *MemorySource) ListObjects(ctx context.Context, prefix, pageToken string, pageSize int) (ObjectPage, error) {
	if err := ctx.Err(); err != nil {
		return ObjectPage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultSourcePageSize
	}
	offset := 0
	if strings.TrimSpace(pageToken) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(pageToken))
		if err != nil || parsed < 0 {
			return ObjectPage{}, fmt.Errorf("%w: bad page token %q", ErrInvalidInput, pageToken)
		}
		offset = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cleanPrefix := strings.Trim(strings.TrimSpace(prefix), "/")
	matched := make([]StorageObject, 0, len(s.objects))
	for _, obj := range s.objects {
		if cleanPrefix == "" || strings.HasPrefix(obj.Name, cleanPrefix+"/") || obj.Name == cleanPrefix {
			matched = append(matched, obj)
		}
	}
	if offset >= len(matched) {
		return ObjectPage{Objects: []StorageObject{}}, nil
	}
	end := offset + pageSize
	nextToken := ""
	if end < len(matched) {
		nextToken = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	return ObjectPage{Objects: matched[offset:end], NextPageToken: nextToken}, nil
}
