package eventstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/catalog"
	"libralend/internal/pgtest"
)

type testPayload struct {
	Message string `json:"message"`
}

func newEvent(t testing.TB, aggregateID uuid.UUID, version int) catalog.Event {
	t.Helper()
	ev, err := catalog.NewEvent(aggregateID, "test_aggregate", "TestEvent", version,
		testPayload{Message: fmt.Sprintf("event %d", version)})
	require.NoError(t, err)
	return ev
}

func TestAppendAndLoad(t *testing.T) {
	db := pgtest.Open(t)
	store := New()
	ctx := context.Background()
	aggregateID := uuid.New()

	for v := 1; v <= 3; v++ {
		require.NoError(t, store.Append(ctx, db, newEvent(t, aggregateID, v)))
	}

	events, err := store.Load(ctx, db, aggregateID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
		assert.JSONEq(t, fmt.Sprintf(`{"message":"event %d"}`, i+1), string(e.EventData))
	}

	window, err := store.Load(ctx, db, aggregateID, 2, 2)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, 2, window[0].Version)

	current, err := store.CurrentVersion(ctx, db, aggregateID)
	require.NoError(t, err)
	assert.Equal(t, 3, current)
}

func TestAppendRejectsStaleVersion(t *testing.T) {
	db := pgtest.Open(t)
	store := New()
	ctx := context.Background()
	aggregateID := uuid.New()

	require.NoError(t, store.Append(ctx, db, newEvent(t, aggregateID, 1)))
	assert.ErrorIs(t, store.Append(ctx, db, newEvent(t, aggregateID, 1)), ErrConcurrencyConflict)
	assert.ErrorIs(t, store.Append(ctx, db, newEvent(t, aggregateID, 3)), ErrConcurrencyConflict)
	assert.ErrorIs(t, store.Append(ctx, db, newEvent(t, aggregateID, 0)), ErrInvalidVersion)
}

func BenchmarkAppend(b *testing.B) {
	db := pgtest.Open(b)
	store := New()
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		ev := newEvent(b, uuid.New(), 1)
		b.StartTimer()

		if err := store.Append(ctx, db, ev); err != nil {
			b.Fatalf("Append failed: %v", err)
		}
	}
}

func BenchmarkLoad(b *testing.B) {
	db := pgtest.Open(b)
	store := New()
	ctx := context.Background()

	aggregateID := uuid.New()
	for v := 1; v <= 10; v++ {
		if err := store.Append(ctx, db, newEvent(b, aggregateID, v)); err != nil {
			b.Fatalf("failed to setup events for benchmark: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.Load(ctx, db, aggregateID, 0, 0); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
	}
}
