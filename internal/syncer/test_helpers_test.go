package syncer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/subsync/internal/store"
	"github.com/MarcoPoloResearchLab/subsync/internal/submissions"
	"go.uber.org/zap"
)

var errInjected = errors.New("injected failure")

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

// memoryStore is an in-memory LocalStore with injectable failures.
type memoryStore struct {
	mu       sync.Mutex
	handle   *store.Handle
	openErr  error
	loadErr  error
	saveErrs map[int64]error
	records  map[int64]submissions.Submission
	saves    []int64
}

func newMemoryStore(initial ...submissions.Submission) *memoryStore {
	records := make(map[int64]submissions.Submission, len(initial))
	for _, item := range initial {
		records[item.ID] = item
	}
	return &memoryStore{
		handle:   &store.Handle{},
		saveErrs: make(map[int64]error),
		records:  records,
	}
}

func (s *memoryStore) Open(_ context.Context, _ submissions.UserID) (*store.Handle, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.handle, nil
}

func (s *memoryStore) LoadAll(_ context.Context, handle *store.Handle) ([]submissions.Submission, error) {
	if handle != s.handle {
		return nil, errors.New("unknown handle")
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]submissions.Submission, 0, len(s.records))
	for _, item := range s.records {
		stored = append(stored, item)
	}
	return stored, nil
}

func (s *memoryStore) Save(_ context.Context, handle *store.Handle, submission submissions.Submission) error {
	if handle != s.handle {
		return errors.New("unknown handle")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, submission.ID)
	if err := s.saveErrs[submission.ID]; err != nil {
		return err
	}
	s.records[submission.ID] = submission
	return nil
}

func (s *memoryStore) storedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// scriptedFetcher returns its pages in order and then empty pages.
type scriptedFetcher struct {
	pages   [][]submissions.Submission
	errAt   int
	err     error
	cursors []int64
}

func (f *scriptedFetcher) FetchSubmissionsPage(_ context.Context, _ submissions.UserID, fromSecond int64) ([]submissions.Submission, error) {
	f.cursors = append(f.cursors, fromSecond)
	call := len(f.cursors)
	if f.errAt == call {
		return nil, f.err
	}
	if call <= len(f.pages) {
		return f.pages[call-1], nil
	}
	return []submissions.Submission{}, nil
}

// datasetFetcher serves a fixed remote history with time-based pagination.
type datasetFetcher struct {
	mu       sync.Mutex
	records  []submissions.Submission
	pageSize int
	cursors  []int64
}

func (f *datasetFetcher) add(items ...submissions.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, items...)
}

func (f *datasetFetcher) FetchSubmissionsPage(_ context.Context, userID submissions.UserID, fromSecond int64) ([]submissions.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, fromSecond)

	var matching []submissions.Submission
	for _, item := range f.records {
		if item.EpochSecond >= fromSecond && item.UserID == userID.String() {
			matching = append(matching, item)
		}
	}
	sort.Slice(matching, func(i, j int) bool {
		if matching[i].EpochSecond != matching[j].EpochSecond {
			return matching[i].EpochSecond < matching[j].EpochSecond
		}
		return matching[i].ID < matching[j].ID
	})
	if f.pageSize > 0 && len(matching) > f.pageSize {
		matching = matching[:f.pageSize]
	}
	if matching == nil {
		matching = []submissions.Submission{}
	}
	return matching, nil
}

func (f *datasetFetcher) lastCursors() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.cursors...)
}

func newTestEngine(t *testing.T, localStore LocalStore, fetcher Fetcher, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Store:           localStore,
		Fetcher:         fetcher,
		IDProvider:      &staticIDGenerator{ids: []string{"run-1", "run-2", "run-3"}},
		Logger:          zap.NewNop(),
		SafetyWindow:    5 * time.Second,
		MaxPages:        50,
		SaveConcurrency: 1,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

func mustUserID(t *testing.T, value string) submissions.UserID {
	t.Helper()
	id, err := submissions.NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func submission(id, epochSecond int64) submissions.Submission {
	return submissions.Submission{
		ID:          id,
		EpochSecond: epochSecond,
		ProblemID:   "abc001_a",
		ContestID:   "abc001",
		UserID:      "u",
		Result:      "AC",
	}
}

func assertIDs(t *testing.T, items []submissions.Submission, expected ...int64) {
	t.Helper()
	if len(items) != len(expected) {
		t.Fatalf("expected ids %v, got %v", expected, submissions.IDs(items))
	}
	for index, id := range expected {
		if items[index].ID != id {
			t.Fatalf("expected ids %v, got %v", expected, submissions.IDs(items))
		}
	}
}

func assertCursors(t *testing.T, got []int64, expected ...int64) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("expected cursors %v, got %v", expected, got)
	}
	for index := range expected {
		if got[index] != expected[index] {
			t.Fatalf("expected cursors %v, got %v", expected, got)
		}
	}
}
