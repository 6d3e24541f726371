package registry

import (
	"context"
	"testing"
	"time"

	"github.com/freva-org/frevagpt/internal/storage"
	"github.com/freva-org/frevagpt/pkg/models"
)

func newTestRegistry() *Registry {
	return New(nil, nil)
}

func TestNewThreadIDShape(t *testing.T) {
	r := newTestRegistry()

	id := r.NewThreadID()
	if len(id) != 32 {
		t.Fatalf("expected 32 characters, got %d (%s)", len(id), id)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			t.Fatalf("non-alphanumeric character %q in %s", c, id)
		}
	}
	if r.NewThreadID() == id {
		t.Fatal("ids should not repeat")
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	r.Initialize(ctx, "t1", "alice", nil, nil)

	if state, ok := r.GetState("t1"); !ok || state != StateStreaming {
		t.Fatalf("expected STREAMING, got %v %v", state, ok)
	}

	if !r.RequestStop("t1") {
		t.Fatal("stop request should find the thread")
	}
	if state, _ := r.GetState("t1"); state != StateStopping {
		t.Fatalf("expected STOPPING, got %v", state)
	}

	store := storage.NewMemoryStore()
	if err := r.EndAndSave(ctx, "t1", store); err != nil {
		t.Fatal(err)
	}
	if state, _ := r.GetState("t1"); state != StateEnded {
		t.Fatalf("expected ENDED, got %v", state)
	}

	if r.RequestStop("missing") {
		t.Fatal("stop on unknown thread should report not found")
	}
}

func TestAddAndSnapshot(t *testing.T) {
	r := newTestRegistry()
	r.Initialize(context.Background(), "t1", "alice", nil, nil)

	if !r.Add("t1", models.NewUser("hi"), models.NewAssistant("hello", "")) {
		t.Fatal("add should succeed")
	}
	if r.Add("missing", models.NewUser("x")) {
		t.Fatal("add on unknown thread should fail")
	}

	snapshot, ok := r.GetMessages("t1")
	if !ok || len(snapshot) != 2 {
		t.Fatalf("bad snapshot: %v %v", snapshot, ok)
	}

	// The snapshot is detached from registry state.
	snapshot[0] = models.NewUser("mutated")
	again, _ := r.GetMessages("t1")
	if again[0].Content != "hi" {
		t.Fatal("snapshot mutation leaked into the registry")
	}
}

func TestEndAndSavePersists(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	r.Initialize(ctx, "t1", "alice", nil, nil)
	r.Add("t1", models.NewUser("hi"), models.NewStreamEnd(models.StreamEndNormal))

	if err := r.EndAndSave(ctx, "t1", store); err != nil {
		t.Fatal(err)
	}

	conv, err := store.Read(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv) != 2 || conv[0].Content != "hi" {
		t.Fatalf("persisted conversation wrong: %+v", conv)
	}
}

func TestEndAndSaveRepairsDanglingCode(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	// A stop during a tool call leaves a Code event with no output.
	r.Initialize(ctx, "t1", "alice", nil, nil)
	r.Add("t1",
		models.NewUser("run"),
		models.NewCode(`{"code":"x"}`, "c1"),
		models.NewStreamEnd(models.StreamEndStopped),
	)

	if err := r.EndAndSave(ctx, "t1", store); err != nil {
		t.Fatal(err)
	}
	conv, err := store.Read(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	assertCodeOutputsMatch(t, conv)
}

func TestCleanupIdleRepairsDanglingCode(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	base := time.Now()
	r.nowFunc = func() time.Time { return base }
	r.Initialize(ctx, "t1", "alice", nil, nil)
	r.Add("t1", models.NewCode(`{"code":"x"}`, "c1"))

	r.nowFunc = func() time.Time { return base.Add(time.Minute) }
	if evicted := r.CleanupIdle(ctx, 0, store); len(evicted) != 1 {
		t.Fatalf("expected one eviction, got %v", evicted)
	}
	conv, err := store.Read(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	assertCodeOutputsMatch(t, conv)
}

func assertCodeOutputsMatch(t *testing.T, conv models.Conversation) {
	t.Helper()
	outputs := make(map[string]int)
	for _, sv := range conv {
		if sv.Variant == models.VariantCodeOutput {
			outputs[sv.ID]++
		}
	}
	for _, sv := range conv {
		if sv.Variant == models.VariantCode && outputs[sv.ID] != 1 {
			t.Fatalf("Code %s has %d outputs: %+v", sv.ID, outputs[sv.ID], conv)
		}
	}
}

func TestCancelToolTasks(t *testing.T) {
	r := newTestRegistry()
	r.Initialize(context.Background(), "t1", "alice", nil, nil)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	r.RegisterToolTask("t1", "task1", cancel1)
	r.RegisterToolTask("t1", "task2", cancel2)

	r.CancelToolTasks("t1")

	for _, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Fatal("tool task not cancelled")
		}
	}

	// Cancelled set is drained; a second pass is a no-op.
	r.CancelToolTasks("t1")
}

func TestCleanupIdleEvictsAndPersists(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	base := time.Now()
	r.nowFunc = func() time.Time { return base }
	r.Initialize(ctx, "old", "alice", nil, nil)
	r.Add("old", models.NewUser("stale"))

	r.nowFunc = func() time.Time { return base.Add(time.Hour) }
	r.Initialize(ctx, "fresh", "alice", nil, nil)

	evicted := r.CleanupIdle(ctx, 30*time.Minute, store)

	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("expected only the stale thread evicted, got %v", evicted)
	}
	if _, ok := r.GetState("old"); ok {
		t.Fatal("evicted thread still registered")
	}
	if _, ok := r.GetState("fresh"); !ok {
		t.Fatal("fresh thread should survive")
	}
	if _, err := store.Read(ctx, "old"); err != nil {
		t.Fatalf("evicted thread not persisted: %v", err)
	}
}

func TestCleanupIdleZeroEvictsEverything(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	base := time.Now()
	r.nowFunc = func() time.Time { return base }
	r.Initialize(ctx, "a", "alice", nil, nil)
	r.Initialize(ctx, "b", "bob", nil, nil)

	r.nowFunc = func() time.Time { return base.Add(time.Nanosecond) }
	evicted := r.CleanupIdle(ctx, 0, nil)

	if len(evicted) != 2 {
		t.Fatalf("expected both threads evicted, got %v", evicted)
	}
	if r.Len() != 0 {
		t.Fatalf("registry should be empty, has %d", r.Len())
	}
}

func TestMarkAllStopping(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	r.Initialize(ctx, "a", "alice", nil, nil)
	r.Initialize(ctx, "b", "bob", nil, nil)
	r.MarkAllStopping()

	for _, id := range []string{"a", "b"} {
		if state, _ := r.GetState(id); state != StateStopping {
			t.Fatalf("thread %s not stopping: %v", id, state)
		}
	}
}

func TestRemoveReportsExistence(t *testing.T) {
	r := newTestRegistry()
	r.Initialize(context.Background(), "t1", "alice", nil, nil)

	if !r.Remove("t1") {
		t.Fatal("remove should report the entry existed")
	}
	if r.Remove("t1") {
		t.Fatal("second remove should report missing")
	}
}
