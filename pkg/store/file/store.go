// Package file provides a JSON-file registry backend.
//
// The whole registry is held in memory and written to data.json by a
// debounced background save, so heartbeats cost one map update. Writes go
// to a temp file that is renamed over the original.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/rpcgate/pkg/logging"
	"github.com/getmockd/rpcgate/pkg/registry"
	"github.com/getmockd/rpcgate/pkg/store"
)

// Current data format version for migration support
const dataVersion = 1

const dataFileName = "registry.json"

// FileStore implements registry.Backend using a JSON file.
type FileStore struct {
	cfg          store.Config
	mu           sync.RWMutex
	data         *storeData
	dirty        atomic.Bool
	saving       atomic.Bool
	saveDebounce time.Duration
	saveCh       chan struct{}
	closeCh      chan struct{}
	closeOnce    sync.Once
	closedCh     chan struct{} // closed when saveLoop exits
	closed       atomic.Bool
	log          *slog.Logger
}

// storeData holds all persisted data.
type storeData struct {
	Version  int                                      `json:"version"`
	Services map[string]*registry.ServiceRegistration `json:"services"`
	Routes   map[string]*registry.RouteDefinition     `json:"routes"`
}

func newStoreData() *storeData {
	return &storeData{
		Version:  dataVersion,
		Services: make(map[string]*registry.ServiceRegistration),
		Routes:   make(map[string]*registry.RouteDefinition),
	}
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *FileStore) { s.log = logging.OrNop(log) }
}

// WithSaveDebounce sets the delay between a change and the disk write.
func WithSaveDebounce(d time.Duration) Option {
	return func(s *FileStore) { s.saveDebounce = d }
}

// New creates a FileStore. Call Open before use.
func New(cfg store.Config, opts ...Option) *FileStore {
	if cfg.DataDir == "" {
		cfg.DataDir = store.DefaultDataDir()
	}
	fs := &FileStore{
		cfg:          cfg,
		data:         newStoreData(),
		saveDebounce: 500 * time.Millisecond,
		saveCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		closedCh:     make(chan struct{}),
		log:          logging.Nop(),
	}
	for _, opt := range opts {
		opt(fs)
	}
	go fs.saveLoop()
	return fs
}

// Open creates the data directory and loads existing data.
func (s *FileStore) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := store.EnsureDir(s.cfg.DataDir); err != nil {
		return err
	}

	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			s.data = newStoreData()
			return nil
		}
		return err
	}

	stored := newStoreData()
	if err := json.Unmarshal(data, stored); err != nil {
		return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	if stored.Services == nil {
		stored.Services = make(map[string]*registry.ServiceRegistration)
	}
	if stored.Routes == nil {
		stored.Routes = make(map[string]*registry.RouteDefinition)
	}

	s.data = stored
	s.dirty.Store(false)
	return nil
}

// Close saves any pending changes. Safe to call multiple times.
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
	})
	<-s.closedCh
	return nil
}

// DataDir returns the data directory path.
func (s *FileStore) DataDir() string {
	return s.cfg.DataDir
}

// ForceSave immediately saves data to disk.
func (s *FileStore) ForceSave() error {
	s.dirty.Store(true)
	return s.doSave()
}

func (s *FileStore) path() string {
	return filepath.Join(s.cfg.DataDir, dataFileName)
}

// saveLoop handles debounced saving to prevent excessive disk writes.
func (s *FileStore) saveLoop() {
	defer close(s.closedCh)
	var timer *time.Timer
	for {
		select {
		case <-s.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(s.saveDebounce, func() {
				if s.dirty.Load() && !s.saving.Load() {
					if err := s.doSave(); err != nil {
						s.log.Error("failed to save registry data", "error", err)
					}
				}
			})
		case <-s.closeCh:
			if timer != nil {
				timer.Stop()
			}
			if s.dirty.Load() {
				if err := s.doSave(); err != nil {
					s.log.Error("failed to save registry data on close", "error", err)
				}
			}
			return
		}
	}
}

// doSave performs the actual save operation with atomic write.
func (s *FileStore) doSave() error {
	if !s.saving.CompareAndSwap(false, true) {
		return nil
	}
	defer s.saving.Store(false)

	s.mu.RLock()
	if s.cfg.ReadOnly {
		s.mu.RUnlock()
		return store.ErrReadOnly
	}
	s.data.Version = dataVersion
	data, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	dataFile := s.path()
	tmpFile := dataFile + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, dataFile); err != nil {
		_ = os.Remove(tmpFile)
		return err
	}

	s.dirty.Store(false)
	return nil
}

// markDirty schedules a debounced save.
func (s *FileStore) markDirty() {
	s.dirty.Store(true)
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

func (s *FileStore) check(write bool) error {
	if s.closed.Load() {
		return registry.ErrClosed
	}
	if write && s.cfg.ReadOnly {
		return store.ErrReadOnly
	}
	return nil
}

// LoadAll returns services sorted by name and routes sorted by key.
func (s *FileStore) LoadAll(_ context.Context) ([]registry.ServiceRegistration, []registry.RouteDefinition, error) {
	if err := s.check(false); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	services := make([]registry.ServiceRegistration, 0, len(s.data.Services))
	for _, svc := range s.data.Services {
		services = append(services, *svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })

	routes := make([]registry.RouteDefinition, 0, len(s.data.Routes))
	for _, r := range s.data.Routes {
		routes = append(routes, *r)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Key() < routes[j].Key() })
	return services, routes, nil
}

func (s *FileStore) GetService(_ context.Context, name string) (*registry.ServiceRegistration, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.data.Services[name]
	if !ok {
		return nil, registry.ErrServiceNotFound
	}
	return svc.Clone(), nil
}

func (s *FileStore) SaveService(_ context.Context, svc *registry.ServiceRegistration) error {
	if err := s.check(true); err != nil {
		return err
	}
	s.mu.Lock()
	s.data.Services[svc.Name] = svc.Clone()
	s.mu.Unlock()
	s.markDirty()
	return nil
}

func (s *FileStore) ServiceRoutes(_ context.Context, name string) ([]registry.RouteDefinition, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []registry.RouteDefinition
	for _, r := range s.data.Routes {
		if r.ServiceName == name {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *FileStore) SaveRoutes(_ context.Context, routes []registry.RouteDefinition) error {
	if err := s.check(true); err != nil {
		return err
	}
	s.mu.Lock()
	for i := range routes {
		r := routes[i]
		s.data.Routes[r.Key()] = &r
	}
	s.mu.Unlock()
	s.markDirty()
	return nil
}

func (s *FileStore) DeleteService(_ context.Context, name string) (bool, error) {
	if err := s.check(true); err != nil {
		return false, err
	}
	s.mu.Lock()
	if _, ok := s.data.Services[name]; !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.data.Services, name)
	for k, r := range s.data.Routes {
		if r.ServiceName == name {
			delete(s.data.Routes, k)
		}
	}
	s.mu.Unlock()
	s.markDirty()
	return true, nil
}

func (s *FileStore) Touch(_ context.Context, name string, at time.Time) (bool, error) {
	if err := s.check(true); err != nil {
		return false, err
	}
	s.mu.Lock()
	svc, ok := s.data.Services[name]
	if !ok || !svc.Active {
		s.mu.Unlock()
		return false, nil
	}
	svc.LastHeartbeat = at
	s.mu.Unlock()
	s.markDirty()
	return true, nil
}

func (s *FileStore) DeactivateStale(_ context.Context, cutoff time.Time) ([]string, error) {
	if err := s.check(true); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var names []string
	for name, svc := range s.data.Services {
		if svc.Active && svc.LastHeartbeat.Before(cutoff) {
			svc.Active = false
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	if len(names) > 0 {
		sort.Strings(names)
		s.markDirty()
	}
	return names, nil
}

var _ registry.Backend = (*FileStore)(nil)
