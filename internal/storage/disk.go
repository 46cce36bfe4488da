package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tandem-backend/internal/model"
	"tandem-backend/pkg/logger"
)

// DiskStorage 每个会话两份 JSON：transcripts/<id>.json 存元数据，turns/<id>.json 存发言
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Transcript
	cacheSize int
}

type TranscriptIndex struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Turns     int       `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Transcript),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadTranscripts(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s", d.dataDir)
	return nil
}

func (d *DiskStorage) createDirectories() error {
	for _, dir := range []string{
		d.dataDir,
		d.metaDir(),
		d.turnsDir(),
		filepath.Join(d.dataDir, "backup"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiskStorage) metaDir() string  { return filepath.Join(d.dataDir, "transcripts") }
func (d *DiskStorage) turnsDir() string { return filepath.Join(d.dataDir, "turns") }
func (d *DiskStorage) indexPath() string {
	return filepath.Join(d.dataDir, "transcripts.json")
}

// 预热缓存，最近更新的优先
func (d *DiskStorage) loadTranscripts() error {
	if _, err := os.Stat(d.indexPath()); errors.Is(err, os.ErrNotExist) {
		return writeJSONAtomic(d.indexPath(), []*TranscriptIndex{})
	}

	indexes, err := d.readIndex()
	if err != nil {
		return err
	}
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i].UpdatedAt.After(indexes[j].UpdatedAt)
	})

	for _, index := range indexes {
		if len(d.cache) >= d.cacheSize {
			break
		}
		t, err := d.loadTranscriptFromFile(index.ID)
		if err != nil {
			logger.Errorf("Failed to load transcript %s: %v", index.ID, err)
			continue
		}
		d.cache[index.ID] = t
	}
	return nil
}

func (d *DiskStorage) readIndex() ([]*TranscriptIndex, error) {
	data, err := os.ReadFile(d.indexPath())
	if err != nil {
		return nil, err
	}
	var indexes []*TranscriptIndex
	if err := json.Unmarshal(data, &indexes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return indexes, nil
}

func (d *DiskStorage) loadTranscriptFromFile(id string) (*model.Transcript, error) {
	data, err := os.ReadFile(filepath.Join(d.metaDir(), id+".json"))
	if err != nil {
		return nil, err
	}

	var t model.Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	turns, err := d.loadTurnsFromFile(id)
	if err != nil {
		logger.Errorf("Failed to load turns for transcript %s: %v", id, err)
		turns = nil
	}
	t.Turns = turns
	return &t, nil
}

func (d *DiskStorage) loadTurnsFromFile(id string) ([]model.ChatTurn, error) {
	data, err := os.ReadFile(filepath.Join(d.turnsDir(), id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var turns []model.ChatTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// writeJSONAtomic 先写临时文件再 rename
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, path)
}

func (d *DiskStorage) saveTranscript(t *model.Transcript) error {
	meta := *t
	meta.Turns = nil
	if err := writeJSONAtomic(filepath.Join(d.metaDir(), t.ID+".json"), meta); err != nil {
		return err
	}
	turns := t.Turns
	if turns == nil {
		turns = []model.ChatTurn{}
	}
	return writeJSONAtomic(filepath.Join(d.turnsDir(), t.ID+".json"), turns)
}

// 调用方需持有写锁
func (d *DiskStorage) lookup(id string) (*model.Transcript, error) {
	if t, exists := d.cache[id]; exists {
		return t, nil
	}
	t, err := d.loadTranscriptFromFile(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTranscriptNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.cache[id] = t
	d.evictCache(id)
	return t, nil
}

func (d *DiskStorage) CreateTranscript(t *model.Transcript) error {
	if t == nil || t.ID == "" {
		return ErrInvalidData
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(filepath.Join(d.metaDir(), t.ID+".json")); err == nil {
		return ErrTranscriptExists
	}

	stored := t.Clone()
	if err := d.saveTranscript(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	d.cache[t.ID] = stored
	d.evictCache(t.ID)

	return d.updateIndex()
}

func (d *DiskStorage) GetTranscript(id string) (*model.Transcript, error) {
	d.mu.RLock()
	if t, exists := d.cache[id]; exists {
		c := t.Clone()
		d.mu.RUnlock()
		return c, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (d *DiskStorage) UpdateTranscript(t *model.Transcript) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.lookup(t.ID)
	if err != nil {
		return err
	}
	existing.Topic = t.Topic
	existing.CharacterList = t.CharacterList
	existing.UpdatedAt = time.Now()

	meta := *existing
	meta.Turns = nil
	if err := writeJSONAtomic(filepath.Join(d.metaDir(), t.ID+".json"), meta); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return d.updateIndex()
}

func (d *DiskStorage) DeleteTranscript(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	metaPath := filepath.Join(d.metaDir(), id+".json")
	if _, err := os.Stat(metaPath); errors.Is(err, os.ErrNotExist) {
		return ErrTranscriptNotFound
	}
	if err := os.Remove(metaPath); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if err := os.Remove(filepath.Join(d.turnsDir(), id+".json")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, id)
	return d.updateIndex()
}

func (d *DiskStorage) ListTranscripts() ([]*model.Transcript, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indexes, err := d.readIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	list := make([]*model.Transcript, 0, len(indexes))
	for _, index := range indexes {
		list = append(list, &model.Transcript{
			ID:        index.ID,
			Topic:     index.Topic,
			CreatedAt: index.CreatedAt,
			UpdatedAt: index.UpdatedAt,
		})
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

func (d *DiskStorage) AppendTurn(id string, turn model.ChatTurn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	t.Turns = append(t.Turns, turn)
	t.UpdatedAt = time.Now()

	if err := d.saveTranscript(t); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return d.updateIndex()
}

func (d *DiskStorage) GetTurns(id string) ([]model.ChatTurn, error) {
	t, err := d.GetTranscript(id)
	if err != nil {
		return nil, err
	}
	return t.Turns, nil
}

func (d *DiskStorage) ClearTurns(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	t.Turns = nil
	t.UpdatedAt = time.Now()

	if err := d.saveTranscript(t); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return d.updateIndex()
}

// 调用方需持有写锁
func (d *DiskStorage) updateIndex() error {
	files, err := os.ReadDir(d.metaDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	indexes := make([]*TranscriptIndex, 0, len(files))
	for _, file := range files {
		name := file.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		id := strings.TrimSuffix(name, ".json")

		t, exists := d.cache[id]
		if !exists {
			t, err = d.loadTranscriptFromFile(id)
			if err != nil {
				logger.Errorf("Failed to load transcript %s for index update: %v", id, err)
				continue
			}
		}
		indexes = append(indexes, &TranscriptIndex{
			ID:        t.ID,
			Topic:     t.Topic,
			Turns:     len(t.Turns),
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}

	if err := writeJSONAtomic(d.indexPath(), indexes); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

// evictCache 超出容量时淘汰最久未更新的记录，keep 不会被淘汰
func (d *DiskStorage) evictCache(keep string) {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}
	entries := make([]cacheEntry, 0, len(d.cache))
	for id, t := range d.cache {
		if id == keep {
			continue
		}
		entries = append(entries, cacheEntry{id: id, updatedAt: t.UpdatedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict && i < len(entries); i++ {
		delete(d.cache, entries[i].id)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Transcript)
	return nil
}

func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().UnixNano()))
	for _, dir := range []string{"transcripts", "turns"} {
		dst := filepath.Join(backupDir, dir)
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
		if err := copyDir(filepath.Join(d.dataDir, dir), dst); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	if err := copyFile(d.indexPath(), filepath.Join(backupDir, "transcripts.json")); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("Backup completed: %s", backupDir)
	return nil
}

func copyDir(src, dst string) error {
	files, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) == ".tmp" {
			continue
		}
		if err := copyFile(filepath.Join(src, file.Name()), filepath.Join(dst, file.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
