package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphweave/internal/graph"
	apperrors "graphweave/pkg/errors"
)

// flakyStore fails every operation with err until it is cleared.
type flakyStore struct {
	err   error
	calls int
}

func (f *flakyStore) op() error {
	f.calls++
	return f.err
}

func (f *flakyStore) Initialize(ctx context.Context) error { return f.op() }
func (f *flakyStore) Close(ctx context.Context) error      { return f.op() }

func (f *flakyStore) AddEntity(ctx context.Context, e *graph.Entity) (string, error) {
	return e.ID, f.op()
}

func (f *flakyStore) AddEntities(ctx context.Context, entities []*graph.Entity) ([]string, error) {
	return nil, f.op()
}

func (f *flakyStore) AddRelation(ctx context.Context, r *graph.Relation) (string, error) {
	return r.ID, f.op()
}

func (f *flakyStore) AddRelations(ctx context.Context, relations []*graph.Relation) ([]string, error) {
	return nil, f.op()
}

func (f *flakyStore) GetEntity(ctx context.Context, id string) (*graph.Entity, error) {
	return &graph.Entity{ID: id}, f.op()
}

func (f *flakyStore) GetRelation(ctx context.Context, id string) (*graph.Relation, error) {
	return &graph.Relation{ID: id}, f.op()
}

func (f *flakyStore) GetEntitiesByType(ctx context.Context, entityType string) ([]*graph.Entity, error) {
	return nil, f.op()
}

func (f *flakyStore) GetEntitiesByProperty(ctx context.Context, key string, value graph.Value) ([]*graph.Entity, error) {
	return nil, f.op()
}

func (f *flakyStore) UpdateEntityProperties(ctx context.Context, id string, props map[string]graph.Value) error {
	return f.op()
}

func (f *flakyStore) GetNeighbors(ctx context.Context, id string, relationType string, direction Direction) ([]*graph.Entity, error) {
	return nil, f.op()
}

func (f *flakyStore) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graph.Relation, error) {
	return nil, f.op()
}

func (f *flakyStore) Stats(ctx context.Context) (*Stats, error) {
	return &Stats{}, f.op()
}

func TestBreaker_TripsOnBackendFailures(t *testing.T) {
	inner := &flakyStore{err: apperrors.NewStorage("connection refused", nil)}
	wrapped := WithBreaker(inner, BreakerOptions{ConsecutiveFailures: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wrapped.GetEntity(ctx, "p1")
		require.True(t, apperrors.IsStorage(err))
	}

	// Circuit is now open: the backend is no longer reached and the error
	// reads as fatal.
	_, err := wrapped.GetEntity(ctx, "p1")
	assert.True(t, apperrors.IsFatalStorage(err))
	assert.Equal(t, 3, inner.calls, "open circuit fails fast")
}

func TestBreaker_BusinessErrorsDoNotTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", apperrors.NewNotFound("entity p1 not found")},
		{"duplicate id", apperrors.NewDuplicateID("entity p1 already exists")},
		{"validation", apperrors.NewValidation("entity id is empty")},
		{"unsupported query", apperrors.NewUnsupportedQuery("no index for key")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyStore{err: tt.err}
			wrapped := WithBreaker(inner, BreakerOptions{ConsecutiveFailures: 2}, nil)
			ctx := context.Background()

			for i := 0; i < 10; i++ {
				_, err := wrapped.GetEntity(ctx, "p1")
				require.ErrorIs(t, err, tt.err, "original error passes through")
			}
			assert.Equal(t, 10, inner.calls, "every call reached the backend")
		})
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	inner := &flakyStore{err: apperrors.NewStorage("timeout", nil)}
	wrapped := WithBreaker(inner, BreakerOptions{ConsecutiveFailures: 3}, nil)
	ctx := context.Background()

	_, err := wrapped.GetEntity(ctx, "p1")
	require.True(t, apperrors.IsStorage(err))
	_, err = wrapped.GetEntity(ctx, "p1")
	require.True(t, apperrors.IsStorage(err))

	inner.err = nil
	_, err = wrapped.GetEntity(ctx, "p1")
	require.NoError(t, err)

	inner.err = apperrors.NewStorage("timeout", nil)
	for i := 0; i < 2; i++ {
		_, err = wrapped.GetEntity(ctx, "p1")
		require.True(t, apperrors.IsStorage(err), "circuit stays closed below the threshold")
	}
}

func TestBreaker_CloseBypassesBreaker(t *testing.T) {
	inner := &flakyStore{err: apperrors.NewStorage("down", nil)}
	wrapped := WithBreaker(inner, BreakerOptions{ConsecutiveFailures: 1}, nil)
	ctx := context.Background()

	_, err := wrapped.GetEntity(ctx, "p1")
	require.True(t, apperrors.IsStorage(err))
	_, err = wrapped.GetEntity(ctx, "p1")
	require.True(t, apperrors.IsFatalStorage(err), "circuit open")

	inner.err = nil
	assert.NoError(t, wrapped.Close(ctx), "shutdown reaches the backend regardless of circuit state")
}

func TestBreaker_ResultsPassThrough(t *testing.T) {
	inner := &flakyStore{}
	wrapped := WithBreaker(inner, BreakerOptions{}, nil)
	ctx := context.Background()

	id, err := wrapped.AddEntity(ctx, &graph.Entity{ID: "p1", Type: "Person"})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	e, err := wrapped.GetEntity(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", e.ID)

	st, err := wrapped.Stats(ctx)
	require.NoError(t, err)
	assert.NotNil(t, st)
}
