package commandqueue

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/postgres"
)

// setupPostgresQueue connects to BLULOK_TEST_POSTGRES_URL, skipping the test
// when it is unset.
func setupPostgresQueue(t *testing.T) *Queue {
	t.Helper()

	url := os.Getenv("BLULOK_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("BLULOK_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.Open(ctx, config.PostgresConfig{URL: url, MaxConns: 4})
	if err != nil {
		t.Fatalf("postgres.Open() error = %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE gateway_commands CASCADE`); err != nil {
		t.Fatalf("truncating queue: %v", err)
	}
	return NewQueue(store, nil)
}

func TestPostgres_IdempotentEnqueueAndPriority(t *testing.T) {
	q := setupPostgresQueue(t)
	ctx := context.Background()

	first := mustEnqueue(t, q, addKey("dev-1", "pk", 5))
	if dup := mustEnqueue(t, q, addKey("dev-1", "pk", 5)); dup.ID != first.ID {
		t.Errorf("duplicate Enqueue() ID = %s, want %s", dup.ID, first.ID)
	}
	low := mustEnqueue(t, q, addKey("dev-2", "pk", 1))
	second := mustEnqueue(t, q, addKey("dev-3", "pk", 5))

	cmds, err := q.PickDue(ctx, 10)
	if err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	want := []string{first.ID, second.ID, low.ID}
	if len(cmds) != len(want) {
		t.Fatalf("PickDue() returned %d, want %d", len(cmds), len(want))
	}
	for i, id := range want {
		if cmds[i].ID != id {
			t.Errorf("PickDue()[%d] = %s, want %s", i, cmds[i].ID, id)
		}
	}
}

func TestPostgres_DeadLetterAndLedger(t *testing.T) {
	q := setupPostgresQueue(t)
	ctx := context.Background()

	cmd := mustEnqueue(t, q, addKey("dev-1", "pk", 0))
	if _, err := q.PickDue(ctx, 1); err != nil {
		t.Fatalf("PickDue() error = %v", err)
	}
	attemptID, err := q.RecordStart(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	if err := q.RecordFinish(ctx, attemptID, false, "boom"); err != nil {
		t.Fatalf("RecordFinish() error = %v", err)
	}
	if err := q.RecordFinish(ctx, attemptID, true, ""); !errors.Is(err, ErrAttemptFinished) {
		t.Errorf("second RecordFinish() error = %v, want ErrAttemptFinished", err)
	}
	if err := q.MarkFailed(ctx, cmd.ID, "boom", nil, 1, true); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if picked, _ := q.PickDue(ctx, 10); len(picked) != 0 { //nolint:errcheck // asserted via length
		t.Error("PickDue() returned dead-lettered command")
	}

	mustEnqueue(t, q, addKey("dev-1", "pk", 0))
	if err := q.RequeueDead(ctx, cmd.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("RequeueDead() error = %v, want ErrConflict", err)
	}
}
