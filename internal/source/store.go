package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	appLog "viewsical/internal/log"
	"viewsical/internal/model"
)

// ErrUnknownView is returned for names that were never registered.
var ErrUnknownView = errors.New("unknown view")

type snapshot struct {
	records  []model.SourceRecord
	loadedAt time.Time
}

// Store keeps the latest record snapshot per view. A failed reload keeps
// the previous snapshot.
type Store struct {
	mu        sync.RWMutex
	loaders   map[string]Loader
	snapshots map[string]snapshot
}

func NewStore() *Store {
	return &Store{
		loaders:   make(map[string]Loader),
		snapshots: make(map[string]snapshot),
	}
}

func (s *Store) Register(name string, l Loader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaders[name] = l
}

// Names returns the registered view names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.loaders))
	for name := range s.loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Records returns the current snapshot, loading it synchronously when the
// view has never loaded successfully.
func (s *Store) Records(ctx context.Context, name string) ([]model.SourceRecord, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[name]
	_, known := s.loaders[name]
	s.mu.RUnlock()

	if ok {
		return snap.records, nil
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	if err := s.RefreshOne(ctx, name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[name].records, nil
}

// LoadedAt reports when the view's snapshot was last replaced.
func (s *Store) LoadedAt(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[name]
	return snap.loadedAt, ok
}

func (s *Store) RefreshOne(ctx context.Context, name string) error {
	s.mu.RLock()
	l, ok := s.loaders[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, name)
	}

	records, err := l.Load(ctx)
	if err != nil {
		return fmt.Errorf("load view %s: %w", name, err)
	}

	s.mu.Lock()
	s.snapshots[name] = snapshot{records: records, loadedAt: time.Now()}
	s.mu.Unlock()

	appLog.Info("source refreshed", "view", name, "records", len(records))
	return nil
}

// Refresh reloads every view and joins the failures.
func (s *Store) Refresh(ctx context.Context) error {
	var errs []error
	for _, name := range s.Names() {
		if err := s.RefreshOne(ctx, name); err != nil {
			appLog.Error("source refresh failed; keeping previous snapshot", err, "view", name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
