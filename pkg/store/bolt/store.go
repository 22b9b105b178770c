// Package bolt provides a BoltDB registry backend.
//
// Services and routes live in two buckets, JSON-encoded and keyed by service
// name and route key. Every mutation is a single bolt transaction, so the
// staleness sweep deactivates all stale services atomically.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/boltdb/bolt"

	"github.com/getmockd/rpcgate/pkg/registry"
	"github.com/getmockd/rpcgate/pkg/store"
)

const dbFileName = "registry.db"

var (
	servicesBucket = []byte("services")
	routesBucket   = []byte("routes")
)

// Store implements registry.Backend on BoltDB.
type Store struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens or creates the database in cfg.DataDir.
func Open(cfg store.Config) (*Store, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = store.DefaultDataDir()
	}
	if err := store.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}

	db, err := bolt.Open(filepath.Join(cfg.DataDir, dbFileName), 0600, &bolt.Options{
		Timeout:  time.Second,
		ReadOnly: cfg.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{servicesBucket, routesBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}

	return &Store{db: db, readOnly: cfg.ReadOnly}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) view(fn func(services, routes *bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		services, routes := tx.Bucket(servicesBucket), tx.Bucket(routesBucket)
		if services == nil || routes == nil {
			return fmt.Errorf("%w: missing buckets", store.ErrCorrupt)
		}
		return fn(services, routes)
	})
}

func (s *Store) update(fn func(services, routes *bolt.Bucket) error) error {
	if s.readOnly {
		return store.ErrReadOnly
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(tx.Bucket(servicesBucket), tx.Bucket(routesBucket))
	})
}

func (s *Store) LoadAll(_ context.Context) ([]registry.ServiceRegistration, []registry.RouteDefinition, error) {
	var services []registry.ServiceRegistration
	var routes []registry.RouteDefinition
	err := s.view(func(sb, rb *bolt.Bucket) error {
		if err := sb.ForEach(func(_, v []byte) error {
			var svc registry.ServiceRegistration
			if err := json.Unmarshal(v, &svc); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
			}
			services = append(services, svc)
			return nil
		}); err != nil {
			return err
		}
		return rb.ForEach(func(_, v []byte) error {
			var r registry.RouteDefinition
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
			}
			routes = append(routes, r)
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	// bolt iterates in byte order of keys: services by name, routes by key.
	return services, routes, nil
}

func (s *Store) GetService(_ context.Context, name string) (*registry.ServiceRegistration, error) {
	var svc *registry.ServiceRegistration
	err := s.view(func(sb, _ *bolt.Bucket) error {
		var err error
		svc, err = getService(sb, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func getService(sb *bolt.Bucket, name string) (*registry.ServiceRegistration, error) {
	v := sb.Get([]byte(name))
	if v == nil {
		return nil, registry.ErrServiceNotFound
	}
	var svc registry.ServiceRegistration
	if err := json.Unmarshal(v, &svc); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrCorrupt, err)
	}
	return &svc, nil
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func (s *Store) SaveService(_ context.Context, svc *registry.ServiceRegistration) error {
	return s.update(func(sb, _ *bolt.Bucket) error {
		return putJSON(sb, svc.Name, svc)
	})
}

func (s *Store) ServiceRoutes(_ context.Context, name string) ([]registry.RouteDefinition, error) {
	var out []registry.RouteDefinition
	err := s.view(func(_, rb *bolt.Bucket) error {
		return rb.ForEach(func(_, v []byte) error {
			var r registry.RouteDefinition
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
			}
			if r.ServiceName == name {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (s *Store) SaveRoutes(_ context.Context, routes []registry.RouteDefinition) error {
	return s.update(func(_, rb *bolt.Bucket) error {
		for i := range routes {
			if err := putJSON(rb, routes[i].Key(), &routes[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteService(_ context.Context, name string) (bool, error) {
	deleted := false
	err := s.update(func(sb, rb *bolt.Bucket) error {
		if sb.Get([]byte(name)) == nil {
			return nil
		}
		if err := sb.Delete([]byte(name)); err != nil {
			return err
		}

		var owned [][]byte
		if err := rb.ForEach(func(k, v []byte) error {
			var r registry.RouteDefinition
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
			}
			if r.ServiceName == name {
				owned = append(owned, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range owned {
			if err := rb.Delete(k); err != nil {
				return err
			}
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *Store) Touch(_ context.Context, name string, at time.Time) (bool, error) {
	touched := false
	err := s.update(func(sb, _ *bolt.Bucket) error {
		svc, err := getService(sb, name)
		if errors.Is(err, registry.ErrServiceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !svc.Active {
			return nil
		}
		svc.LastHeartbeat = at
		touched = true
		return putJSON(sb, name, svc)
	})
	return touched, err
}

func (s *Store) DeactivateStale(_ context.Context, cutoff time.Time) ([]string, error) {
	var names []string
	err := s.update(func(sb, _ *bolt.Bucket) error {
		var stale []*registry.ServiceRegistration
		if err := sb.ForEach(func(_, v []byte) error {
			var svc registry.ServiceRegistration
			if err := json.Unmarshal(v, &svc); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorrupt, err)
			}
			if svc.Active && svc.LastHeartbeat.Before(cutoff) {
				stale = append(stale, &svc)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, svc := range stale {
			svc.Active = false
			if err := putJSON(sb, svc.Name, svc); err != nil {
				return err
			}
			names = append(names, svc.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

var _ registry.Backend = (*Store)(nil)
