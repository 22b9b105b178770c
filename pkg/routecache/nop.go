package routecache

import (
	"context"

	"github.com/getmockd/rpcgate/pkg/registry"
)

// Nop is a RouteCache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) (*registry.ResolvedRoute, error) { return nil, nil }

func (Nop) ReplaceAll(context.Context, map[string]*registry.ResolvedRoute) error { return nil }

func (Nop) Delete(context.Context, ...string) error { return nil }

var _ registry.RouteCache = Nop{}
