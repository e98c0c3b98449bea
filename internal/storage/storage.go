package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"openvideo/internal/models"
)

type dataset struct {
	Builders map[string]models.BuilderRecord `json:"builders"`
	Videos   map[string]models.Video         `json:"videos"`
}

// Storage is a single-file JSON datastore. All writes are serialised by mu
// and persisted atomically before the in-memory view is swapped.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Builders: make(map[string]models.BuilderRecord),
		Videos:   make(map[string]models.Video),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Builders == nil {
		s.data.Builders = make(map[string]models.BuilderRecord)
	}
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.Video)
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path required")
	}
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneBuilder(record models.BuilderRecord) models.BuilderRecord {
	cloned := record
	if record.LandedAt != nil {
		landed := *record.LandedAt
		cloned.LandedAt = &landed
	}
	return cloned
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, record := range src.Builders {
		clone.Builders[id] = cloneBuilder(record)
	}
	for id, video := range src.Videos {
		clone.Videos[id] = video
	}
	return clone
}

// Ping reports whether the data directory is still reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close is a no-op; every write is already flushed to disk.
func (s *Storage) Close(context.Context) error {
	return nil
}

func (s *Storage) AdmitBuilder(ctx context.Context, params AdmitParams) (AdmitResult, error) {
	if err := ctx.Err(); err != nil {
		return AdmitResult{}, err
	}
	if strings.TrimSpace(params.Owner) == "" {
		return AdmitResult{}, fmt.Errorf("owner required")
	}
	if params.Record.ID == "" {
		return AdmitResult{}, fmt.Errorf("builder id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Builders[params.Record.ID]; exists {
		return AdmitResult{}, ErrBuilderExists
	}

	updatedData := cloneDataset(s.data)
	result := AdmitResult{}
	for id, record := range updatedData.Builders {
		if record.Owner != params.Owner {
			continue
		}
		if record.Stale(params.Now, params.Threshold) {
			delete(updatedData.Builders, id)
			result.Reaped++
			continue
		}
		if record.Active(params.Now, params.Threshold) {
			result.Active++
		}
	}

	limited := params.Limit > 0 && result.Active >= params.Limit
	if !limited {
		record := cloneBuilder(params.Record)
		record.Owner = params.Owner
		record.Status = models.BuilderInitiated
		if record.StartedAt.IsZero() {
			record.StartedAt = params.Now
		}
		record.UpdatedAt = record.StartedAt
		updatedData.Builders[record.ID] = record
		result.Record = record
	}

	if result.Reaped > 0 || !limited {
		if err := s.persistDataset(updatedData); err != nil {
			return AdmitResult{}, err
		}
		s.data = updatedData
	}

	if limited {
		return result, ErrAdmissionLimit
	}
	return result, nil
}

func (s *Storage) GetBuilder(ctx context.Context, id string) (models.BuilderRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.BuilderRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Builders[id]
	if !ok {
		return models.BuilderRecord{}, ErrBuilderNotFound
	}
	return cloneBuilder(record), nil
}

func (s *Storage) ListBuilders(ctx context.Context, owner string) ([]models.BuilderRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	records := make([]models.BuilderRecord, 0)
	for _, record := range s.data.Builders {
		if owner != "" && record.Owner != owner {
			continue
		}
		records = append(records, cloneBuilder(record))
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

func (s *Storage) TransitionBuilder(ctx context.Context, id string, from, to models.BuilderStatus) (models.BuilderRecord, error) {
	if err := ctx.Err(); err != nil {
		return models.BuilderRecord{}, err
	}
	if !from.CanAdvanceTo(to) {
		return models.BuilderRecord{}, fmt.Errorf("transition %s -> %s: %w", from, to, ErrStatusMismatch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Builders[id]
	if !ok {
		return models.BuilderRecord{}, ErrBuilderNotFound
	}
	if current.Status != from {
		return cloneBuilder(current), ErrStatusMismatch
	}

	updatedData := cloneDataset(s.data)
	record := updatedData.Builders[id]
	record.Status = to
	record.UpdatedAt = s.clock()
	updatedData.Builders[id] = record

	if err := s.persistDataset(updatedData); err != nil {
		return models.BuilderRecord{}, err
	}
	s.data = updatedData
	return cloneBuilder(record), nil
}

func (s *Storage) MarkLanded(ctx context.Context, id string, at time.Time) (models.BuilderRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.BuilderRecord{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Builders[id]
	if !ok {
		return models.BuilderRecord{}, false, ErrBuilderNotFound
	}
	if current.LandedAt != nil {
		return cloneBuilder(current), false, nil
	}

	updatedData := cloneDataset(s.data)
	record := updatedData.Builders[id]
	landed := at.UTC()
	record.LandedAt = &landed
	record.UpdatedAt = s.clock()
	updatedData.Builders[id] = record

	if err := s.persistDataset(updatedData); err != nil {
		return models.BuilderRecord{}, false, err
	}
	s.data = updatedData
	return cloneBuilder(record), true, nil
}

func (s *Storage) SetTranscodeJob(ctx context.Context, id, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Builders[id]; !ok {
		return ErrBuilderNotFound
	}

	updatedData := cloneDataset(s.data)
	record := updatedData.Builders[id]
	record.TranscodeJobID = jobID
	record.UpdatedAt = s.clock()
	updatedData.Builders[id] = record

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

func (s *Storage) CompleteTranscode(ctx context.Context, id string, video models.Video) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.data.Builders[id]
	if !ok {
		return false, ErrBuilderNotFound
	}
	if current.Status != models.BuilderUploaded {
		return false, nil
	}
	if _, exists := s.data.Videos[id]; exists {
		return false, nil
	}

	updatedData := cloneDataset(s.data)
	now := s.clock()
	record := updatedData.Builders[id]
	record.Status = models.BuilderTranscoded
	record.UpdatedAt = now
	updatedData.Builders[id] = record

	video.ID = id
	if video.Owner == "" {
		video.Owner = record.Owner
	}
	if video.CreatedAt.IsZero() {
		video.CreatedAt = now
	}
	updatedData.Videos[id] = video

	if err := s.persistDataset(updatedData); err != nil {
		return false, err
	}
	s.data = updatedData
	return true, nil
}

func (s *Storage) ReapStale(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updatedData := cloneDataset(s.data)
	removed := 0
	for id, record := range updatedData.Builders {
		if record.Status == models.BuilderInitiated && record.StartedAt.Before(cutoff) {
			delete(updatedData.Builders, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if err := s.persistDataset(updatedData); err != nil {
		return 0, err
	}
	s.data = updatedData
	return removed, nil
}

func (s *Storage) DeleteBuilder(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Builders[id]; !ok {
		return ErrBuilderNotFound
	}

	updatedData := cloneDataset(s.data)
	delete(updatedData.Builders, id)

	if err := s.persistDataset(updatedData); err != nil {
		return err
	}
	s.data = updatedData
	return nil
}

func (s *Storage) GetVideo(ctx context.Context, id string) (models.Video, error) {
	if err := ctx.Err(); err != nil {
		return models.Video{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.Video{}, ErrVideoNotFound
	}
	return video, nil
}
