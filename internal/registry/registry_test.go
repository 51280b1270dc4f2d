package registry_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/drawproxy/internal/registry"
	"github.com/basket/drawproxy/internal/store"
	"github.com/basket/drawproxy/internal/task"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "drawproxy.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRefreshLoadsAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.SaveAccount(ctx, &task.Account{ChannelID: "c1", Enabled: true, Connected: true}); err != nil {
		t.Fatalf("save account: %v", err)
	}

	r := registry.New(s)
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(r.All()) != 1 {
		t.Fatalf("expected 1 account, got %d", len(r.All()))
	}
	if _, ok := r.ByChannel("c1"); !ok {
		t.Fatalf("expected c1 to be registered")
	}
}

func TestAliveFiltersSleepingAndDisabled(t *testing.T) {
	r := registry.New(openTestStore(t))
	r.Put(&task.Account{ChannelID: "c1", Enabled: true, Connected: true})
	r.Put(&task.Account{ChannelID: "c2", Enabled: true, Connected: true, Sleeping: true})
	r.Put(&task.Account{ChannelID: "c3", Enabled: false, Connected: true})

	alive := r.Alive()
	if len(alive) != 1 || alive[0].ChannelID != "c1" {
		t.Fatalf("unexpected alive set: %+v", alive)
	}
}

func TestBySubChannelResolves(t *testing.T) {
	r := registry.New(openTestStore(t))
	r.Put(&task.Account{ChannelID: "c1", SubChannels: []string{"s1", "s2"}, Enabled: true, Connected: true})

	a, ok := r.BySubChannel("s2")
	if !ok || a.ChannelID != "c1" {
		t.Fatalf("expected s2 to resolve to c1, got %+v ok=%v", a, ok)
	}
	if _, ok := r.BySubChannel("unknown"); ok {
		t.Fatalf("expected unknown sub-channel to miss")
	}
}

func TestPutInvalidatesSubIndex(t *testing.T) {
	r := registry.New(openTestStore(t))
	r.Put(&task.Account{ChannelID: "c1", SubChannels: []string{"s1"}, Enabled: true, Connected: true})
	if _, ok := r.BySubChannel("s1"); !ok {
		t.Fatalf("expected initial resolve")
	}

	r.Remove("c1")
	if _, ok := r.BySubChannel("s1"); ok {
		t.Fatalf("expected s1 to no longer resolve after removal")
	}
}
