package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"docledger/internal/auth"
	"docledger/internal/infra/persistence/memory"
	"docledger/pkg/domain"
)

func actions(t *testing.T, svc *Service, id string) []string {
	t.Helper()
	recs, err := svc.History().All(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = fmt.Sprintf("%s@%d", r.Action, r.Version)
	}
	return out
}

func TestSaveCreateUpdateDelete(t *testing.T) {
	ctx := auth.ContextWithPrincipal(context.Background(), "alice")
	svc, _ := newTestService()

	input := domain.Document{Fields: map[string]any{"title": "draft"}}
	created, err := svc.Save(ctx, input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 || created.ID == "" {
		t.Fatalf("unexpected created document: %+v", created)
	}
	if input.ID != "" || input.Version != 0 {
		t.Fatalf("caller value mutated: %+v", input)
	}

	next := created.Clone()
	next.Fields["title"] = "final"
	updated, err := svc.Save(ctx, next)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Fields["title"] != "final" {
		t.Fatalf("unexpected updated document: %+v", updated)
	}
	if created.Fields["title"] != "draft" {
		t.Fatalf("earlier value mutated by update")
	}

	deleted, err := svc.Delete(ctx, updated)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.Version != 2 || !deleted.Deleted {
		t.Fatalf("delete must freeze version at 2: %+v", deleted)
	}

	got := actions(t, svc, created.ID)
	want := []string{"CREATE@1", "UPDATE@2", "DELETE@2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected history %v, got %v", want, got)
	}
	recs, _ := svc.History().All(ctx, created.ID)
	for _, r := range recs {
		if r.Author == nil || *r.Author != "alice" {
			t.Fatalf("expected alice as author, got %v", r.Author)
		}
	}
	content, err := recs[1].Content.Fields()
	if err != nil || content["title"] != "final" {
		t.Fatalf("update snapshot should hold post-write fields: %v %v", content, err)
	}
}

func TestSaveWithoutPrincipalRecordsSystemAction(t *testing.T) {
	svc, _ := newTestService()
	doc, err := svc.Save(context.Background(), domain.Document{ID: "explicit", Fields: map[string]any{}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.ID != "explicit" {
		t.Fatalf("explicit id not honoured: %s", doc.ID)
	}
	recs, _ := svc.History().All(context.Background(), doc.ID)
	if len(recs) != 1 || recs[0].Author != nil {
		t.Fatalf("expected one system record, got %+v", recs)
	}
	if _, err := svc.Save(context.Background(), domain.Document{ID: "explicit"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for duplicate explicit id, got %v", err)
	}
}

func TestMonotonicVersions(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"n": 0}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 1; i <= 10; i++ {
		doc.Fields = map[string]any{"n": i}
		doc, err = svc.Save(ctx, doc)
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if doc.Version != int64(i+1) {
			t.Fatalf("expected version %d, got %d", i+1, doc.Version)
		}
	}
	recs, _ := svc.History().All(ctx, doc.ID)
	if len(recs) != 11 {
		t.Fatalf("expected one record per write, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Version != int64(i+1) {
			t.Fatalf("record %d has version %d", i, r.Version)
		}
		if i > 0 && r.Date.Before(recs[i-1].Date) {
			t.Fatalf("history dates decreased at %d", i)
		}
	}
}

func TestConcurrentSavesHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetrics{}
	svc, _ := newTestService(WithMetrics(metrics))
	doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"owner": "nobody"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 2
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			local := doc.Clone()
			local.Fields["owner"] = name
			<-start
			_, err := svc.Save(ctx, local)
			mu.Lock()
			defer mu.Unlock()
			var ce *ConcurrencyError
			switch {
			case err == nil:
				winners = append(winners, name)
			case errors.As(err, &ce):
				if ce.Expected != 1 || ce.Current != 2 {
					t.Errorf("unexpected conflict detail: %+v", ce)
				}
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("writer-%d", i))
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || losers != writers-1 {
		t.Fatalf("expected one winner, got winners=%v losers=%d", winners, losers)
	}
	reloaded, err := svc.Reload(ctx, doc)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Version != 2 || reloaded.Fields["owner"] != winners[0] {
		t.Fatalf("reload should show the winner's write: %+v", reloaded)
	}
	if got := actions(t, svc, doc.ID); fmt.Sprint(got) != "[CREATE@1 UPDATE@2]" {
		t.Fatalf("loser must not leave history, got %v", got)
	}
	if len(metrics.conflicts) != writers-1 {
		t.Fatalf("expected %d conflict metrics, got %v", writers-1, metrics.conflicts)
	}
}

func TestWritesAgainstDeletedDocument(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"a": 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stale := doc.Clone()
	if _, err := svc.Delete(ctx, doc); err != nil {
		t.Fatalf("delete: %v", err)
	}

	stale.Fields["a"] = 2
	if _, err := svc.Save(ctx, stale); !errors.Is(err, ErrNotFound) {
		t.Fatalf("save on deleted should be not found, got %v", err)
	}
	if _, err := svc.Delete(ctx, stale); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete on deleted should be not found, got %v", err)
	}
	tomb := stale.Clone()
	tomb.Deleted = true
	if _, err := svc.Save(ctx, tomb); !errors.Is(err, ErrNotFound) {
		t.Fatalf("save of tombstone value should be not found, got %v", err)
	}
	if _, err := svc.Get(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get on deleted should be not found, got %v", err)
	}
	if _, err := svc.Reload(ctx, stale); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reload on deleted should be not found, got %v", err)
	}
	if _, err := svc.Delete(ctx, domain.Document{Fields: map[string]any{}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete of unsaved document should be not found, got %v", err)
	}
	if got := actions(t, svc, doc.ID); fmt.Sprint(got) != "[CREATE@1 DELETE@1]" {
		t.Fatalf("rejected writes must not reach history, got %v", got)
	}
}

func TestStalePreconditionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	metrics := &captureMetrics{}
	svc, _ := newTestService(WithMetrics(metrics))
	doc, _ := svc.Save(ctx, domain.Document{Fields: map[string]any{"a": "x"}})
	doc.Fields["a"] = "y"
	doc, _ = svc.Save(ctx, doc)
	doc.Fields["a"] = "z"
	doc, err := svc.Save(ctx, doc)
	if err != nil || doc.Version != 3 {
		t.Fatalf("setup: %v %+v", err, doc)
	}

	_, err = svc.Patch(ctx, doc.ID, `"2"`, map[string]any{"a": "stale"})
	var pm *PreconditionMismatch
	if !errors.As(err, &pm) || pm.Current != 3 {
		t.Fatalf("expected precondition mismatch at version 3, got %v", err)
	}
	for _, token := range []string{"", "garbage"} {
		if _, err := svc.Remove(ctx, doc.ID, token); !errors.As(err, &pm) {
			t.Fatalf("token %q: expected precondition mismatch, got %v", token, err)
		}
	}
	current, err := svc.Get(ctx, doc.ID)
	if err != nil || current.Version != 3 || current.Fields["a"] != "z" {
		t.Fatalf("state changed by rejected writes: %+v %v", current, err)
	}
	if got := actions(t, svc, doc.ID); len(got) != 3 {
		t.Fatalf("rejected writes produced history: %v", got)
	}
	if !metrics.has(OpUpdate, false) || !metrics.has(OpDelete, false) {
		t.Fatalf("expected failed update and delete observations, got %+v", metrics.calls)
	}
}

func TestPatchAndRemove(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	doc, _ := svc.Save(ctx, domain.Document{Fields: map[string]any{"keep": true, "drop": "me"}})

	patched, err := svc.Patch(ctx, doc.ID, ETag(doc.Version), map[string]any{"drop": nil, "add": "new"})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Version != 2 || patched.Fields["keep"] != true || patched.Fields["add"] != "new" {
		t.Fatalf("unexpected patched document: %+v", patched)
	}
	if _, ok := patched.Fields["drop"]; ok {
		t.Fatalf("null patch value should remove the key")
	}
	removed, err := svc.Remove(ctx, doc.ID, "2")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.Version != 2 || !removed.Deleted {
		t.Fatalf("unexpected removed document: %+v", removed)
	}
	if _, err := svc.Patch(ctx, doc.ID, "2", map[string]any{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("patch after remove should be not found, got %v", err)
	}
}

func TestExpectedVersionOverride(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	doc, _ := svc.Save(ctx, domain.Document{Fields: map[string]any{}})
	doc.Version = 99
	updated, err := svc.Save(ctx, doc, WithExpectedVersion(1))
	if err != nil || updated.Version != 2 {
		t.Fatalf("explicit expected version should win: %v %+v", err, updated)
	}
}

func TestHistoryAppendFailureKeepsCommittedWrite(t *testing.T) {
	ctx := context.Background()
	store := &flakyHistoryStore{PersistentStore: memory.NewStore()}
	logger := &captureLogger{}
	metrics := &captureMetrics{}
	svc := NewService(store, WithClock(newSteppingClock()), WithLogger(logger), WithMetrics(metrics))

	doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"v": 1}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.setFailing(true)
	doc.Fields["v"] = 2
	saved, err := svc.Save(ctx, doc)
	var haf *HistoryAppendFailure
	if !errors.As(err, &haf) {
		t.Fatalf("expected HistoryAppendFailure, got %v", err)
	}
	if saved.Version != 2 || haf.Document.Version != 2 || haf.Action != domain.ActionUpdate {
		t.Fatalf("committed write should be reported: %+v / %+v", saved, haf)
	}
	if errors.Is(err, ErrNotFound) || IsConflict(err) {
		t.Fatalf("history failure must be distinguishable from conflicts")
	}
	stored, err := svc.Get(ctx, doc.ID)
	if err != nil || stored.Version != 2 {
		t.Fatalf("write must not be rolled back: %+v %v", stored, err)
	}
	store.setFailing(false)
	if got := actions(t, svc, doc.ID); fmt.Sprint(got) != "[CREATE@1]" {
		t.Fatalf("unexpected history after failure: %v", got)
	}
	if len(logger.errors) != 1 || len(metrics.failures) != 1 || metrics.failures[0] != "UPDATE" {
		t.Fatalf("failure should be logged and counted: %v %v", logger.errors, metrics.failures)
	}
}

func TestDeleteDuringSlowUpdateKeepsLedgerOrder(t *testing.T) {
	ctx := context.Background()
	store := newPausingSwapStore()
	svc := NewService(store, WithClock(newSteppingClock()))
	doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"title": "a"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Patch(ctx, doc.ID, ETag(1), map[string]any{"title": "b"})
		done <- err
	}()
	<-store.committed
	deleted, err := svc.Remove(ctx, doc.ID, ETag(2))
	if err != nil {
		t.Fatalf("delete while update is in flight: %v", err)
	}
	close(store.release)
	if err := <-done; err != nil {
		t.Fatalf("patch: %v", err)
	}
	if deleted.Version != 2 {
		t.Fatalf("delete should keep version 2, got %d", deleted.Version)
	}
	if got := actions(t, svc, doc.ID); fmt.Sprint(got) != "[CREATE@1 UPDATE@2 DELETE@2]" {
		t.Fatalf("ledger out of commit order: %v", got)
	}
}

func TestPatchKeepsLargeIntegers(t *testing.T) {
	const big = "9007199254740993"
	for _, driver := range []domain.StorageDriver{domain.StorageMemory, domain.StorageSQLite} {
		t.Run(string(driver), func(t *testing.T) {
			ctx := context.Background()
			store, err := OpenPersistentStore(ctx, StorageConfig{Driver: driver, SQLitePath: filepath.Join(t.TempDir(), "big.db")}, nil)
			if err != nil {
				t.Skipf("%s unavailable: %v", driver, err)
			}
			defer func() { _ = store.Close() }()
			svc := NewService(store, WithClock(newSteppingClock()))

			doc, err := svc.Save(ctx, domain.Document{Fields: map[string]any{"n": json.Number(big), "title": "a"}})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			patched, err := svc.Patch(ctx, doc.ID, ETag(1), map[string]any{"title": "b"})
			if err != nil {
				t.Fatalf("patch: %v", err)
			}
			reloaded, err := svc.Reload(ctx, patched)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if fmt.Sprint(patched.Fields["n"]) != big || fmt.Sprint(reloaded.Fields["n"]) != big {
				t.Fatalf("patch changed an untouched field: %v / %v", patched.Fields["n"], reloaded.Fields["n"])
			}
			recs, err := svc.History().All(ctx, doc.ID)
			if err != nil || len(recs) != 2 {
				t.Fatalf("history: %v %d", err, len(recs))
			}
			fields, err := recs[1].Content.Fields()
			if err != nil || fmt.Sprint(fields["n"]) != big || fields["title"] != "b" {
				t.Fatalf("unexpected update snapshot: %v %v", fields, err)
			}
		})
	}
}

func TestReloadUnsavedDocument(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Reload(context.Background(), domain.Document{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClockFunc(t *testing.T) {
	if ClockFunc(nil).Now().IsZero() {
		t.Fatal("nil ClockFunc should fall back to wall clock")
	}
	var l Logger = noopLogger{}
	l.Info("ignored", "k", "v")
	var m MetricsRecorder = noopMetrics{}
	m.Conflict("update")
}
