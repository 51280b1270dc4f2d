package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "drawproxy.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	requiredTables := []string{"schema_migrations", "tasks", "accounts", "keyword_sets", "idempotency_keys"}
	for _, tbl := range requiredTables {
		var got string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, tbl).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", tbl, err)
		}
	}
}

func TestTaskSaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := &task.Task{
		ID:            "t1",
		Action:        task.ActionImagine,
		Status:        task.StatusSubmitted,
		BotFamily:     task.BotMJ,
		BackendFamily: task.BackendChat,
		Mode:          task.ModeFast,
		Prompt:        "a red cube",
		ImageURLs:     []string{"https://example.com/a.png"},
		Buttons:       []task.Button{{CustomID: "MJ::JOB::upsample::1::HASH", Label: "U1"}},
		Properties:    task.Properties{Nonce: "123"},
		InstanceID:    "chan-1",
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Prompt != in.Prompt || out.Status != in.Status || out.InstanceID != in.InstanceID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if len(out.ImageURLs) != 1 || out.ImageURLs[0] != in.ImageURLs[0] {
		t.Fatalf("image_urls mismatch: %+v", out.ImageURLs)
	}
	if len(out.Buttons) != 1 || out.Buttons[0].CustomID != in.Buttons[0].CustomID {
		t.Fatalf("buttons mismatch: %+v", out.Buttons)
	}
	if out.Properties.Nonce != "123" {
		t.Fatalf("properties mismatch: %+v", out.Properties)
	}
}

func TestTaskSaveIsUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	t1 := &task.Task{ID: "t1", Action: task.ActionImagine, Status: task.StatusSubmitted}
	if err := s.Save(ctx, t1); err != nil {
		t.Fatalf("save: %v", err)
	}
	t1.Status = task.StatusSuccess
	t1.FailReason = ""
	if err := s.Save(ctx, t1); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	out, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Status != task.StatusSuccess {
		t.Fatalf("expected last-writer-wins status SUCCESS, got %v", out.Status)
	}

	n, err := s.Count(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after upsert, got %d", n)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	var tErr *task.Error
	if err == nil {
		t.Fatalf("expected error")
	}
	if !asTaskError(err, &tErr) || tErr.Kind != task.KindNotFound {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func asTaskError(err error, out **task.Error) bool {
	e, ok := err.(*task.Error)
	if ok {
		*out = e
	}
	return ok
}

func TestListFilterByStatusAndInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tasks := []*task.Task{
		{ID: "a", Action: task.ActionImagine, Status: task.StatusInProgress, InstanceID: "c1"},
		{ID: "b", Action: task.ActionImagine, Status: task.StatusSuccess, InstanceID: "c1"},
		{ID: "c", Action: task.ActionImagine, Status: task.StatusInProgress, InstanceID: "c2"},
	}
	for _, tk := range tasks {
		if err := s.Save(ctx, tk); err != nil {
			t.Fatalf("save %s: %v", tk.ID, err)
		}
	}

	got, err := s.List(ctx, store.Filter{Statuses: []task.Status{task.StatusInProgress}, InstanceID: "c1"}, "id", true, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("unexpected filter result: %+v", got)
	}

	any, err := s.Any(ctx, store.Filter{Statuses: []task.Status{task.StatusInProgress}})
	if err != nil {
		t.Fatalf("any: %v", err)
	}
	if !any {
		t.Fatalf("expected any=true")
	}
}

func TestRecoverRunningTasksResetsInFlightOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tasks := []*task.Task{
		{ID: "a", Action: task.ActionImagine, Status: task.StatusSubmitted, InstanceID: "c1"},
		{ID: "b", Action: task.ActionImagine, Status: task.StatusInProgress, InstanceID: "c1", SubInstanceID: "sub1"},
		{ID: "c", Action: task.ActionImagine, Status: task.StatusSuccess, InstanceID: "c1"},
	}
	for _, tk := range tasks {
		if err := s.Save(ctx, tk); err != nil {
			t.Fatalf("save %s: %v", tk.ID, err)
		}
	}

	n, err := s.RecoverRunningTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 recovered, got %d", n)
	}

	a, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	if a.Status != task.StatusNotStart || a.InstanceID != "" {
		t.Fatalf("task a not reset: status=%s instance=%q", a.Status, a.InstanceID)
	}

	b, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if b.Status != task.StatusNotStart || b.SubInstanceID != "" {
		t.Fatalf("task b not reset: status=%s sub_instance=%q", b.Status, b.SubInstanceID)
	}

	c, err := s.Get(ctx, "c")
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	if c.Status != task.StatusSuccess {
		t.Fatalf("terminal task c should not be touched, got status=%s", c.Status)
	}
}

func TestDeleteTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &task.Task{ID: "t1", Action: task.ActionImagine, Status: task.StatusSubmitted}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "t1"); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func TestAccountSaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := &task.Account{ChannelID: "c1", CoreSize: 3, Weight: 5, Enabled: true, Connected: true}
	if err := s.SaveAccount(ctx, a); err != nil {
		t.Fatalf("save account: %v", err)
	}
	out, err := s.GetAccount(ctx, "c1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if out.CoreSize != 3 || out.Weight != 5 || !out.Alive() {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	all, err := s.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 account, got %d", len(all))
	}
}

func TestKeywordSetRoundTripAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ks := &task.KeywordSet{ID: "k1", Keywords: []string{"cat", "dog"}, Enabled: true}
	if err := s.SaveKeywordSet(ctx, store.KeywordKindDomain, ks); err != nil {
		t.Fatalf("save keyword set: %v", err)
	}
	out, err := s.GetKeywordSet(ctx, "k1")
	if err != nil {
		t.Fatalf("get keyword set: %v", err)
	}
	if len(out.Keywords) != 2 {
		t.Fatalf("unexpected keywords: %+v", out.Keywords)
	}

	list, err := s.ListKeywordSets(ctx, store.KeywordKindDomain)
	if err != nil {
		t.Fatalf("list keyword sets: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 set, got %d", len(list))
	}

	if err := s.DeleteKeywordSet(ctx, "k1"); err != nil {
		t.Fatalf("delete keyword set: %v", err)
	}
	if _, err := s.GetKeywordSet(ctx, "k1"); err == nil {
		t.Fatalf("expected not found after delete")
	}
}

func TestSeenEventDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.SeenEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if !first {
		t.Fatalf("expected first-seen=true")
	}

	second, err := s.SeenEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if second {
		t.Fatalf("expected first-seen=false on replay")
	}
}

func TestBackup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, &task.Task{ID: "t1", Action: task.ActionImagine, Status: task.StatusSubmitted}); err != nil {
		t.Fatalf("save: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(ctx, dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
}
