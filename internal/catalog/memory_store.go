package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCatalog is an in-process CatalogStore with the same upsert and
// keyset semantics as the Postgres store; used by tests and the
// memory:// store profile.
type MemoryCatalog struct {
	mu       sync.Mutex
	agents   map[string]Agent // keyed by handle
	works    map[string]map[int]*Work
	checksum map[string]string // work id -> agent id
	now      func() time.Time
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		agents:   map[string]Agent{},
		works:    map[string]map[int]*Work{},
		checksum: map[string]string{},
		now:      time.Now,
	}
}

func (m *MemoryCatalog) EnsureAgent(ctx context.Context, handle string) (Agent, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Agent{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Agent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if agent, ok := m.agents[handle]; ok {
		return agent, nil
	}
	agent := Agent{ID: uuid.NewString(), Handle: handle}
	m.agents[handle] = agent
	return agent, nil
}

func (m *MemoryCatalog) AgentByHandle(ctx context.Context, handle string) (Agent, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return Agent{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Agent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[handle]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return agent, nil
}

func (m *MemoryCatalog) UpsertWork(ctx context.Context, params UpsertWorkParams) (string, error) {
	if strings.TrimSpace(params.AgentID) == "" || params.Ordinal < 1 {
		return "", ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byOrdinal, ok := m.works[params.AgentID]
	if !ok {
		byOrdinal = map[int]*Work{}
		m.works[params.AgentID] = byOrdinal
	}
	now := m.now().UTC()
	existing, ok := byOrdinal[params.Ordinal]
	if !ok {
		work := &Work{
			ID:            uuid.NewString(),
			AgentID:       params.AgentID,
			Ordinal:       params.Ordinal,
			StorageBucket: params.Bucket,
			StoragePath:   params.Path,
			MimeType:      params.MimeType,
			Width:         params.Width,
			Height:        params.Height,
			Bytes:         params.Bytes,
			SHA256:        params.SHA256,
			Status:        WorkStatusActive,
			Visibility:    VisibilityPublic,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		byOrdinal[params.Ordinal] = work
		return work.ID, nil
	}
	existing.StorageBucket = params.Bucket
	existing.StoragePath = params.Path
	if params.MimeType != "" {
		existing.MimeType = params.MimeType
	}
	if params.Width != 0 {
		existing.Width = params.Width
	}
	if params.Height != 0 {
		existing.Height = params.Height
	}
	if params.Bytes != 0 {
		existing.Bytes = params.Bytes
	}
	if params.SHA256 != "" {
		existing.SHA256 = params.SHA256
	}
	existing.Status = WorkStatusActive
	existing.UpdatedAt = now
	return existing.ID, nil
}

func (m *MemoryCatalog) InsertMissingIfAbsent(ctx context.Context, agentID string, ordinal int) error {
	if strings.TrimSpace(agentID) == "" || ordinal < 1 {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byOrdinal, ok := m.works[agentID]
	if !ok {
		byOrdinal = map[int]*Work{}
		m.works[agentID] = byOrdinal
	}
	if _, exists := byOrdinal[ordinal]; exists {
		return nil
	}
	now := m.now().UTC()
	byOrdinal[ordinal] = &Work{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Ordinal:    ordinal,
		Status:     WorkStatusMissing,
		Visibility: VisibilityPublic,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

func (m *MemoryCatalog) EnqueueChecksums(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	enqueued := 0
	for _, work := range m.works[agentID] {
		if work.Status != WorkStatusActive || work.SHA256 != "" {
			continue
		}
		if _, queued := m.checksum[work.ID]; queued {
			continue
		}
		m.checksum[work.ID] = agentID
		enqueued++
	}
	return enqueued, nil
}

func (m *MemoryCatalog) PendingChecksums(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := 0
	for _, owner := range m.checksum {
		if owner == agentID {
			depth++
		}
	}
	return depth, nil
}

func (m *MemoryCatalog) QueryActivePublicWorks(ctx context.Context, agentID string, afterOrdinal int, afterID string, limit int) ([]Work, error) {
	if strings.TrimSpace(agentID) == "" || limit < 1 {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]Work, 0, limit)
	for _, work := range m.works[agentID] {
		if work.Status != WorkStatusActive || work.Visibility != VisibilityPublic {
			continue
		}
		if afterOrdinal > 0 {
			if work.Ordinal > afterOrdinal {
				continue
			}
			if work.Ordinal == afterOrdinal && work.ID >= afterID {
				continue
			}
		}
		matched = append(matched, *work)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Ordinal != matched[j].Ordinal {
			return matched[i].Ordinal > matched[j].Ordinal
		}
		return matched[i].ID > matched[j].ID
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryCatalog) CountActive(ctx context.Context, agentID string) (int, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, work := range m.works[agentID] {
		if work.Status == WorkStatusActive {
			count++
		}
	}
	return count, nil
}

func (m *MemoryCatalog) Close() error {
	return nil
}

// workByOrdinal is a test hook; it returns a copy of the stored row.
func (m *MemoryCatalog) workByOrdinal(agentID string, ordinal int) (Work, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	work, ok := m.works[agentID][ordinal]
	if !ok {
		return Work{}, false
	}
	return *work, true
}
