package storage

import (
	"sort"
	"sync"
	"time"

	"tandem-backend/internal/model"
)

type MemoryStorage struct {
	transcripts map[string]*model.Transcript
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		transcripts: make(map[string]*model.Transcript),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Backup() error {
	return nil
}

func (m *MemoryStorage) CreateTranscript(t *model.Transcript) error {
	if t == nil || t.ID == "" {
		return ErrInvalidData
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transcripts[t.ID]; exists {
		return ErrTranscriptExists
	}
	m.transcripts[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStorage) GetTranscript(id string) (*model.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.transcripts[id]
	if !exists {
		return nil, ErrTranscriptNotFound
	}
	return t.Clone(), nil
}

// UpdateTranscript 只更新元数据，发言通过 AppendTurn / ClearTurns 修改
func (m *MemoryStorage) UpdateTranscript(t *model.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.transcripts[t.ID]
	if !exists {
		return ErrTranscriptNotFound
	}
	existing.Topic = t.Topic
	existing.CharacterList = t.CharacterList
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) DeleteTranscript(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.transcripts[id]; !exists {
		return ErrTranscriptNotFound
	}
	delete(m.transcripts, id)
	return nil
}

func (m *MemoryStorage) ListTranscripts() ([]*model.Transcript, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*model.Transcript, 0, len(m.transcripts))
	for _, t := range m.transcripts {
		c := *t
		c.Turns = nil
		list = append(list, &c)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

func (m *MemoryStorage) AppendTurn(id string, turn model.ChatTurn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.transcripts[id]
	if !exists {
		return ErrTranscriptNotFound
	}
	t.Turns = append(t.Turns, turn)
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStorage) GetTurns(id string) ([]model.ChatTurn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.transcripts[id]
	if !exists {
		return nil, ErrTranscriptNotFound
	}
	turns := make([]model.ChatTurn, len(t.Turns))
	copy(turns, t.Turns)
	return turns, nil
}

func (m *MemoryStorage) ClearTurns(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.transcripts[id]
	if !exists {
		return ErrTranscriptNotFound
	}
	t.Turns = nil
	t.UpdatedAt = time.Now()
	return nil
}
