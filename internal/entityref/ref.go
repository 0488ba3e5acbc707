// Package entityref replaces free-form polymorphic foreign keys with an
// explicit tagged reference resolved through a registry of typed lookups.
package entityref

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindJob           Kind = "job"
	KindNegotiation   Kind = "negotiation"
	KindPurchaseOrder Kind = "purchase_order"
	KindWebhookEvent  Kind = "webhook_event"
	KindQuota         Kind = "quota"
)

var ErrUnknownKind = errors.New("unknown_entity_kind")

// Ref identifies an entity of any registered kind.
type Ref struct {
	Kind Kind
	ID   snowflake.ID
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Lookup loads an entity snapshot (as a plain map) for audit purposes.
type Lookup func(ctx context.Context, id snowflake.ID) (map[string]any, error)

// Registry maps entity kinds to typed lookups.
type Registry struct {
	lookups map[Kind]Lookup
}

func NewRegistry() *Registry {
	return &Registry{lookups: make(map[Kind]Lookup)}
}

func (r *Registry) Register(kind Kind, fn Lookup) {
	r.lookups[kind] = fn
}

func (r *Registry) Resolve(ctx context.Context, ref Ref) (map[string]any, error) {
	fn, ok := r.lookups[ref.Kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	return fn(ctx, ref.ID)
}
