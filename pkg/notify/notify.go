// Package notify broadcasts registry changes between gateway replicas.
//
// Each replica publishes a Message for every registry mutation and reloads
// its route mirror when another replica's message arrives. Messages carry
// the publisher's origin ID so a replica ignores its own.
package notify

import (
	"context"
	"time"

	"github.com/getmockd/rpcgate/pkg/registry"
)

// DefaultSubject is the NATS subject registry changes are published on.
const DefaultSubject = "rpcgate.registry.changed"

// Message is the wire form of a registry change.
type Message struct {
	Origin  string             `json:"origin"`
	Type    registry.EventType `json:"type"`
	Service string             `json:"service"`
	At      time.Time          `json:"at"`
}

// Handler is called for each change published by another replica.
type Handler func(ctx context.Context, msg Message)

// Notifier publishes and receives registry changes.
type Notifier interface {
	registry.Observer
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// Nop is a Notifier for single-replica deployments.
type Nop struct{}

func (Nop) RegistryChanged(context.Context, registry.Event) {}

func (Nop) Subscribe(context.Context, Handler) error { return nil }

func (Nop) Close() error { return nil }

var _ Notifier = Nop{}
