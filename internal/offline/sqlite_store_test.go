package offline

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "agent.db")

	store, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	q := NewQueue(store, &fakeReplayer{}, Options{})
	q.SetOnline(false)
	mustEnqueue(t, q, `"A"`, `"B"`)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	ops, err := reopened.List(ctx, StatusPending)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ops) != 2 || string(ops[0].Payload) != `"A"` || string(ops[1].Payload) != `"B"` {
		t.Fatalf("expected [A B] after reopen, got %+v", ops)
	}
	if ops[0].Seq >= ops[1].Seq {
		t.Fatalf("expected increasing seq, got %d then %d", ops[0].Seq, ops[1].Seq)
	}
}

func TestSQLiteStoreUpdateMovesStatus(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	op, err := store.Append(ctx, Operation{ID: "op_1", Kind: KindUpdateMileage, Payload: []byte(`{}`), IdempotencyKey: "k", EnqueuedAt: time.Now(), Status: StatusPending})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	op.Status = StatusFailed
	op.Attempts = 2
	if err := store.Update(ctx, op); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if n, _ := store.Count(ctx, StatusPending); n != 0 {
		t.Fatalf("expected 0 pending, got %d", n)
	}
	failed, err := store.List(ctx, StatusFailed)
	if err != nil || len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("expected one failed operation with 2 attempts, got %+v err=%v", failed, err)
	}

	if err := store.Update(ctx, Operation{ID: "op_missing", Status: StatusFailed}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreSettingsExpire(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)
	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.PutSetting(ctx, "view_as", "role-1", now.Add(time.Hour)); err != nil {
		t.Fatalf("PutSetting() error = %v", err)
	}
	value, ok, err := store.GetSetting(ctx, "view_as")
	if err != nil || !ok || value != "role-1" {
		t.Fatalf("GetSetting() = %q, %v, %v", value, ok, err)
	}

	store.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, ok, _ := store.GetSetting(ctx, "view_as"); ok {
		t.Fatal("expected expired setting to be hidden")
	}

	if err := store.PutSetting(ctx, "forever", "x", time.Time{}); err != nil {
		t.Fatalf("PutSetting() error = %v", err)
	}
	if _, ok, _ := store.GetSetting(ctx, "forever"); !ok {
		t.Fatal("expected setting without expiry to persist")
	}
	if err := store.DeleteSetting(ctx, "forever"); err != nil {
		t.Fatalf("DeleteSetting() error = %v", err)
	}
	if _, ok, _ := store.GetSetting(ctx, "forever"); ok {
		t.Fatal("expected deleted setting to be gone")
	}
}
