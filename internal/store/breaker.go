package store

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

// BreakerOptions configures the circuit-breaker decorator.
type BreakerOptions struct {
	Name string
	// ConsecutiveFailures trips the circuit once reached. Default 5.
	ConsecutiveFailures uint32
	// MaxRequests allowed through while half-open. Default 1.
	MaxRequests uint32
}

// WithBreaker wraps a GraphStore with a circuit breaker. While the circuit
// is open every operation fails fast with a fatal storage error, which the
// pipelines treat as an abort signal.
func WithBreaker(inner GraphStore, opts BreakerOptions, logger *zap.Logger) GraphStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "graphstore"
	}
	if opts.ConsecutiveFailures == 0 {
		opts.ConsecutiveFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: opts.MaxRequests,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Business errors (missing rows, duplicate ids, unindexed lookups)
		// must not trip the circuit; only backend failures count.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return apperrors.IsNotFound(err) ||
				apperrors.IsDuplicateID(err) ||
				apperrors.IsValidation(err) ||
				apperrors.IsUnsupportedQuery(err)
		},
	})
	return &breakerStore{inner: inner, cb: cb}
}

type breakerStore struct {
	inner GraphStore
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerStore) run(op func() (any, error)) (any, error) {
	res, err := b.cb.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.NewFatalStorage("store circuit open", err)
	}
	return res, err
}

func (b *breakerStore) Initialize(ctx context.Context) error {
	_, err := b.run(func() (any, error) { return nil, b.inner.Initialize(ctx) })
	return err
}

func (b *breakerStore) Close(ctx context.Context) error {
	// Close bypasses the breaker so shutdown always reaches the backend.
	return b.inner.Close(ctx)
}

func (b *breakerStore) AddEntity(ctx context.Context, e *graph.Entity) (string, error) {
	res, err := b.run(func() (any, error) { return b.inner.AddEntity(ctx, e) })
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *breakerStore) AddEntities(ctx context.Context, entities []*graph.Entity) ([]string, error) {
	res, err := b.run(func() (any, error) { return b.inner.AddEntities(ctx, entities) })
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (b *breakerStore) AddRelation(ctx context.Context, r *graph.Relation) (string, error) {
	res, err := b.run(func() (any, error) { return b.inner.AddRelation(ctx, r) })
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *breakerStore) AddRelations(ctx context.Context, relations []*graph.Relation) ([]string, error) {
	res, err := b.run(func() (any, error) { return b.inner.AddRelations(ctx, relations) })
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (b *breakerStore) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	res, err := b.run(func() (any, error) { return b.inner.GetEntity(ctx, id) })
	if err != nil {
		return nil, err
	}
	return res.(*graph.Entity), nil
}

func (b *breakerStore) GetRelation(ctx context.Context, id string) (*graph.Relation, error) {
	res, err := b.run(func() (any, error) { return b.inner.GetRelation(ctx, id) })
	if err != nil {
		return nil, err
	}
	return res.(*graph.Relation), nil
}

func (b *breakerStore) GetEntitiesByType(ctx context.Context, entityType string) ([]*graph.Entity, error) {
	res, err := b.run(func() (any, error) { return b.inner.GetEntitiesByType(ctx, entityType) })
	if err != nil {
		return nil, err
	}
	return res.([]*graph.Entity), nil
}

func (b *breakerStore) GetEntitiesByProperty(ctx context.Context, key string, value graph.Value) ([]*graph.Entity, error) {
	res, err := b.run(func() (any, error) { return b.inner.GetEntitiesByProperty(ctx, key, value) })
	if err != nil {
		return nil, err
	}
	return res.([]*graph.Entity), nil
}

func (b *breakerStore) UpdateEntityProperties(ctx context.Context, id string, props map[string]graph.Value) error {
	_, err := b.run(func() (any, error) { return nil, b.inner.UpdateEntityProperties(ctx, id, props) })
	return err
}

func (b *breakerStore) GetNeighbors(ctx context.Context, id string, relationType string, direction Direction) ([]*graph.Entity, error) {
	res, err := b.run(func() (any, error) { return b.inner.GetNeighbors(ctx, id, relationType, direction) })
	if err != nil {
		return nil, err
	}
	return res.([]*graph.Entity), nil
}

func (b *breakerStore) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graph.Relation, error) {
	res, err := b.run(func() (any, error) { return b.inner.GetRelationsByEntity(ctx, srcID, dstID) })
	if err != nil {
		return nil, err
	}
	return res.([]*graph.Relation), nil
}

func (b *breakerStore) Stats(ctx context.Context) (*Stats, error) {
	res, err := b.run(func() (any, error) { return b.inner.Stats(ctx) })
	if err != nil {
		return nil, err
	}
	return res.(*Stats), nil
}
