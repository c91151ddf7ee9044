// Package storetest holds the behavioural contract every persistence backend
// must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"docledger/pkg/domain"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) domain.PersistentStore

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, domain.PersistentStore)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"CompareAndSwap", testCompareAndSwap},
		{"CompareAndDelete", testCompareAndDelete},
		{"SingleWinner", testSingleWinner},
		{"HistoryOrdering", testHistoryOrdering},
		{"HistoryPaging", testHistoryPaging},
		{"HistoryGet", testHistoryGet},
		{"LargeIntegers", testLargeIntegers},
		{"LedgerFollowsCommitOrder", testLedgerFollowsCommitOrder},
		{"LedgerWriteRollsBack", testLedgerWriteRollsBack},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

func seed(t *testing.T, store domain.PersistentStore, id string) domain.Document {
	t.Helper()
	doc, err := store.InsertDocument(context.Background(), domain.Document{
		ID:        id,
		Version:   1,
		Fields:    map[string]any{"title": "first"},
		CreatedAt: base,
		UpdatedAt: base,
	})
	if err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	return doc
}

func testInsertAndGet(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	created := seed(t, store, "doc-1")
	if created.Version != 1 || created.Fields["title"] != "first" {
		t.Fatalf("unexpected inserted document: %+v", created)
	}
	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Deleted || got.Fields["title"] != "first" || !got.CreatedAt.Equal(base) {
		t.Fatalf("unexpected stored document: %+v", got)
	}
	if _, err := store.InsertDocument(ctx, domain.Document{ID: "doc-1", Version: 1}); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := store.GetDocument(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testCompareAndSwap(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	seed(t, store, "doc-1")
	later := base.Add(time.Minute)

	updated, ok, err := store.CompareAndSwap(ctx, "doc-1", 1, map[string]any{"title": "second"}, later)
	if err != nil || !ok {
		t.Fatalf("swap at current version: ok=%v err=%v", ok, err)
	}
	if updated.Version != 2 || updated.Fields["title"] != "second" || !updated.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected swapped document: %+v", updated)
	}
	if _, ok, err := store.CompareAndSwap(ctx, "doc-1", 1, map[string]any{"title": "stale"}, later); err != nil || ok {
		t.Fatalf("stale swap must not match: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.CompareAndSwap(ctx, "missing", 1, nil, later); err != nil || ok {
		t.Fatalf("swap on missing id must not match: ok=%v err=%v", ok, err)
	}
	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.Fields["title"] != "second" {
		t.Fatalf("stale swap leaked into state: %+v", got)
	}
}

func testCompareAndDelete(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	seed(t, store, "doc-1")
	if _, ok, err := store.CompareAndSwap(ctx, "doc-1", 1, map[string]any{"title": "second"}, base); err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.CompareAndDelete(ctx, "doc-1", 1, base); err != nil || ok {
		t.Fatalf("stale delete must not match: ok=%v err=%v", ok, err)
	}
	deleted, ok, err := store.CompareAndDelete(ctx, "doc-1", 2, base.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	if deleted.Version != 2 || !deleted.Deleted {
		t.Fatalf("delete must keep version and tombstone: %+v", deleted)
	}
	if _, ok, err := store.CompareAndDelete(ctx, "doc-1", 2, base); err != nil || ok {
		t.Fatalf("second delete must not match: ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.CompareAndSwap(ctx, "doc-1", 2, map[string]any{}, base); err != nil || ok {
		t.Fatalf("swap on tombstone must not match: ok=%v err=%v", ok, err)
	}
	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get tombstone: %v", err)
	}
	if !got.Deleted || got.Version != 2 {
		t.Fatalf("unexpected tombstone: %+v", got)
	}
}

func testSingleWinner(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	seed(t, store, "doc-1")
	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, ok, err := store.CompareAndSwap(ctx, "doc-1", 1, map[string]any{"writer": fmt.Sprint(i)}, base)
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("expected version 2 after race, got %d", got.Version)
	}
}

func appendEntry(t *testing.T, store domain.PersistentStore, id, origin string, action domain.Action, version int64, at time.Time) domain.HistoryRecord {
	t.Helper()
	content, err := domain.SnapshotOf(map[string]any{"v": fmt.Sprint(version)})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	rec, err := store.AppendHistory(context.Background(), domain.HistoryEntry{
		ID:       id,
		OriginID: origin,
		Action:   action,
		Version:  version,
		Content:  content,
		Date:     at,
	})
	if err != nil {
		t.Fatalf("append %s: %v", id, err)
	}
	return rec
}

func testHistoryOrdering(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	appendEntry(t, store, "h1", "doc-1", domain.ActionCreate, 1, base.Add(2*time.Second))
	skewed := appendEntry(t, store, "h2", "doc-1", domain.ActionUpdate, 2, base)
	if !skewed.Date.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("date must be clamped to the origin's latest date, got %s", skewed.Date)
	}
	appendEntry(t, store, "h3", "doc-1", domain.ActionDelete, 2, base.Add(2*time.Second))
	appendEntry(t, store, "other", "doc-2", domain.ActionCreate, 1, base)

	records, total, err := store.ListHistory(ctx, "doc-1", domain.Page{Number: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(records) != 3 {
		t.Fatalf("expected 3 records, got %d of %d", len(records), total)
	}
	want := []string{"h1", "h2", "h3"}
	for i, rec := range records {
		if rec.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], rec.ID)
		}
		if i > 0 && rec.Date.Before(records[i-1].Date) {
			t.Fatalf("dates went backwards at %d", i)
		}
	}
	if records[2].Action != domain.ActionDelete || records[2].Version != 2 {
		t.Fatalf("unexpected delete record: %+v", records[2])
	}
}

func testHistoryPaging(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		appendEntry(t, store, fmt.Sprintf("h%d", i), "doc-1", domain.ActionUpdate, int64(i), base.Add(time.Duration(i)*time.Second))
	}
	records, total, err := store.ListHistory(ctx, "doc-1", domain.Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(records) != 2 || records[0].ID != "h3" || records[1].ID != "h4" {
		t.Fatalf("unexpected page: total=%d records=%+v", total, records)
	}
	records, total, err = store.ListHistory(ctx, "doc-1", domain.Page{Number: 9, Size: 2})
	if err != nil {
		t.Fatalf("list past end: %v", err)
	}
	if total != 5 || len(records) != 0 {
		t.Fatalf("expected empty page past end, got %d", len(records))
	}
	records, total, err = store.ListHistory(ctx, "nobody", domain.Page{Number: 1, Size: 20})
	if err != nil || total != 0 || len(records) != 0 {
		t.Fatalf("unknown origin should be empty: %v %d %d", err, total, len(records))
	}
}

func testHistoryGet(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	author := "alice"
	content, _ := domain.SnapshotOf(map[string]any{"title": "first"})
	if _, err := store.AppendHistory(ctx, domain.HistoryEntry{
		ID: "h1", OriginID: "doc-1", Action: domain.ActionCreate, Version: 1, Content: content, Author: &author, Date: base,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	author = "mallory"
	rec, err := store.GetHistory(ctx, "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Author == nil || *rec.Author != "alice" || rec.OriginID != "doc-1" || rec.Action != domain.ActionCreate {
		t.Fatalf("unexpected record: %+v", rec)
	}
	fields, err := rec.Content.Fields()
	if err != nil || fields["title"] != "first" {
		t.Fatalf("unexpected content: %v %v", fields, err)
	}
	if _, err := store.GetHistory(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	system := appendEntry(t, store, "h2", "doc-1", domain.ActionUpdate, 2, base)
	if system.Author != nil {
		t.Fatalf("system action should have no author")
	}
}

func testLargeIntegers(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	const big = "9007199254740993"
	if _, err := store.InsertDocument(ctx, domain.Document{
		ID:        "doc-1",
		Version:   1,
		Fields:    map[string]any{"n": json.Number(big), "title": "a"},
		CreatedAt: base,
		UpdatedAt: base,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fmt.Sprint(got.Fields["n"]) != big {
		t.Fatalf("insert changed n to %v", got.Fields["n"])
	}
	// Read, modify one key, write the whole map back.
	next := domain.CloneFields(got.Fields)
	next["title"] = "b"
	swapped, ok, err := store.CompareAndSwap(ctx, "doc-1", 1, next, base.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}
	if fmt.Sprint(swapped.Fields["n"]) != big {
		t.Fatalf("swap changed n to %v", swapped.Fields["n"])
	}
	got, err = store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get after swap: %v", err)
	}
	if fmt.Sprint(got.Fields["n"]) != big || got.Fields["title"] != "b" {
		t.Fatalf("untouched field changed: %v", got.Fields)
	}
}

func atomicStore(t *testing.T, store domain.PersistentStore) domain.AtomicLedgerStore {
	t.Helper()
	atomic, ok := store.(domain.AtomicLedgerStore)
	if !ok {
		t.Skipf("%s store has no atomic ledger writes", store.Driver())
	}
	return atomic
}

func ledgerEntry(id string, action domain.Action, at time.Time) domain.HistoryEntry {
	return domain.HistoryEntry{ID: id, Action: action, Date: at}
}

// testLedgerFollowsCommitOrder races updaters against a deleter and checks
// that the ledger reads CREATE, the updates in version order, then DELETE.
func testLedgerFollowsCommitOrder(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	atomic := atomicStore(t, store)
	doc := domain.Document{ID: "doc-1", Version: 1, Fields: map[string]any{"title": "first"}, CreatedAt: base, UpdatedAt: base}
	if _, rec, err := atomic.InsertDocumentWithHistory(ctx, doc, ledgerEntry("create", domain.ActionCreate, base)); err != nil {
		t.Fatalf("insert: %v", err)
	} else if rec.OriginID != "doc-1" || rec.Version != 1 || rec.Action != domain.ActionCreate {
		t.Fatalf("unexpected create record: %+v", rec)
	}

	const (
		updaters = 5
		attempts = 6
	)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		updates int
		deletes int
		n       int
	)
	nextID := func(prefix string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
	start := make(chan struct{})
	for w := 0; w < updaters; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-start
			for i := 0; i < attempts; i++ {
				cur, err := store.GetDocument(ctx, "doc-1")
				if err != nil || cur.Deleted {
					return
				}
				// Entry dates are deliberately skewed into the past.
				at := base.Add(time.Duration(attempts-i) * time.Millisecond)
				_, _, ok, err := atomic.CompareAndSwapWithHistory(ctx, "doc-1", cur.Version,
					map[string]any{"writer": fmt.Sprint(w), "attempt": i}, at, ledgerEntry(nextID("update"), domain.ActionUpdate, at))
				if err != nil {
					t.Errorf("updater %d: %v", w, err)
					return
				}
				if ok {
					mu.Lock()
					updates++
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		for i := 0; i < attempts*updaters; i++ {
			cur, err := store.GetDocument(ctx, "doc-1")
			if err != nil || cur.Deleted {
				return
			}
			if cur.Version < 3 {
				continue
			}
			_, _, ok, err := atomic.CompareAndDeleteWithHistory(ctx, "doc-1", cur.Version, base, ledgerEntry("delete", domain.ActionDelete, base))
			if err != nil {
				t.Errorf("deleter: %v", err)
				return
			}
			if ok {
				mu.Lock()
				deletes++
				mu.Unlock()
				return
			}
		}
	}()
	close(start)
	wg.Wait()

	if deletes == 0 {
		cur, err := store.GetDocument(ctx, "doc-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if _, _, ok, err := atomic.CompareAndDeleteWithHistory(ctx, "doc-1", cur.Version, base, ledgerEntry("delete", domain.ActionDelete, base)); err != nil || !ok {
			t.Fatalf("final delete: ok=%v err=%v", ok, err)
		}
	}

	records, total, err := store.ListHistory(ctx, "doc-1", domain.Page{Number: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != updates+2 || len(records) != total {
		t.Fatalf("expected %d records, got %d of %d", updates+2, len(records), total)
	}
	if records[0].Action != domain.ActionCreate || records[0].Version != 1 {
		t.Fatalf("ledger must start with CREATE v1, got %s v%d", records[0].Action, records[0].Version)
	}
	last := records[len(records)-1]
	if last.Action != domain.ActionDelete {
		t.Fatalf("ledger must end with DELETE, got %s v%d", last.Action, last.Version)
	}
	for i := 1; i < len(records); i++ {
		prev, rec := records[i-1], records[i]
		if rec.Version < prev.Version {
			t.Fatalf("version went backwards at %d: %d after %d", i, rec.Version, prev.Version)
		}
		if rec.Date.Before(prev.Date) {
			t.Fatalf("date went backwards at %d", i)
		}
		if i < len(records)-1 && (rec.Action != domain.ActionUpdate || rec.Version != prev.Version+1) {
			t.Fatalf("record %d: expected UPDATE v%d, got %s v%d", i, prev.Version+1, rec.Action, rec.Version)
		}
	}
	if last.Version != records[len(records)-2].Version {
		t.Fatalf("DELETE must carry the last version, got %d", last.Version)
	}
	tomb, err := store.GetDocument(ctx, "doc-1")
	if err != nil || !tomb.Deleted || tomb.Version != last.Version {
		t.Fatalf("unexpected tombstone %+v: %v", tomb, err)
	}
}

// testLedgerWriteRollsBack makes the ledger half fail and checks the document
// half did not land either.
func testLedgerWriteRollsBack(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	atomic := atomicStore(t, store)
	seed(t, store, "doc-1")
	appendEntry(t, store, "taken", "doc-1", domain.ActionCreate, 1, base)

	if _, _, _, err := atomic.CompareAndSwapWithHistory(ctx, "doc-1", 1, map[string]any{"title": "second"}, base, ledgerEntry("taken", domain.ActionUpdate, base)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists from the ledger half, got %v", err)
	}
	if _, _, _, err := atomic.CompareAndDeleteWithHistory(ctx, "doc-1", 1, base, ledgerEntry("taken", domain.ActionDelete, base)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists from the ledger half, got %v", err)
	}
	fresh := domain.Document{ID: "doc-2", Version: 1, CreatedAt: base, UpdatedAt: base}
	if _, _, err := atomic.InsertDocumentWithHistory(ctx, fresh, ledgerEntry("taken", domain.ActionCreate, base)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists from the ledger half, got %v", err)
	}

	got, err := store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 || got.Deleted || got.Fields["title"] != "first" {
		t.Fatalf("document changed although its record failed: %+v", got)
	}
	if _, err := store.GetDocument(ctx, "doc-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("insert must roll back with its record, got %v", err)
	}
	if _, total, err := store.ListHistory(ctx, "doc-1", domain.Page{Number: 1}); err != nil || total != 1 {
		t.Fatalf("expected the single seeded record, got %d (%v)", total, err)
	}
	if _, _, ok, err := atomic.CompareAndSwapWithHistory(ctx, "doc-1", 7, map[string]any{}, base, ledgerEntry("stale", domain.ActionUpdate, base)); err != nil || ok {
		t.Fatalf("stale swap must not match: ok=%v err=%v", ok, err)
	}
	if _, err := store.GetHistory(ctx, "stale"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unmatched swap must not append, got %v", err)
	}
}
