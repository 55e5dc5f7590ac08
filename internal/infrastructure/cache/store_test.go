package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/database"
)

// backend is one Store under test plus control over its clock.
type backend struct {
	store   Store
	now     func() time.Time
	advance func(d time.Duration)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newRedisBackend(t *testing.T) backend {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, "test:")
	t.Cleanup(func() { store.Close() })

	return backend{store: store, now: time.Now, advance: mr.FastForward}
}

func newSQLiteStore(t *testing.T, clock *fakeClock) *SQLiteStore {
	t.Helper()
	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	store := NewSQLiteStore(db, WithClock(clock.Now))
	t.Cleanup(func() { store.Close() })
	return store
}

func newSQLiteBackend(t *testing.T) backend {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	return backend{store: newSQLiteStore(t, clock), now: clock.Now, advance: clock.Advance}
}

// forEachBackend runs fn against every Store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, b backend)) {
	t.Helper()
	t.Run("redis", func(t *testing.T) { fn(t, newRedisBackend(t)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteBackend(t)) })
}

func TestStore_SetGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		if _, err := b.store.Get(ctx, "status:G1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
		}

		if err := b.store.Set(ctx, "status:G1", "ONLINE"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := b.store.Set(ctx, "status:G1", "OFFLINE"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}

		got, err := b.store.Get(ctx, "status:G1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got != "OFFLINE" {
			t.Errorf("Get() = %q, want OFFLINE", got)
		}
	})
}

func TestStore_Hash(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()

		all, err := b.store.HashGetAll(ctx, "live:D7")
		if err != nil {
			t.Fatalf("HashGetAll(missing) error = %v", err)
		}
		if len(all) != 0 {
			t.Errorf("HashGetAll(missing) = %v, want empty", all)
		}

		if err := b.store.HashSet(ctx, "live:D7", map[string]string{"temp": "1", "hum": "2"}); err != nil {
			t.Fatalf("HashSet() error = %v", err)
		}
		if err := b.store.HashSet(ctx, "live:D7", map[string]string{"temp": "3"}); err != nil {
			t.Fatalf("HashSet() error = %v", err)
		}

		got, err := b.store.HashGet(ctx, "live:D7", "temp", "missing")
		if err != nil {
			t.Fatalf("HashGet() error = %v", err)
		}
		if len(got) != 1 || got["temp"] != "3" {
			t.Errorf("HashGet() = %v, want map[temp:3]", got)
		}

		all, err = b.store.HashGetAll(ctx, "live:D7")
		if err != nil {
			t.Fatalf("HashGetAll() error = %v", err)
		}
		if len(all) != 2 || all["hum"] != "2" {
			t.Errorf("HashGetAll() = %v, want temp and hum", all)
		}
	})
}

func TestStore_WrongType(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		if err := b.store.Set(ctx, "k", "v"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := b.store.HashSet(ctx, "k", map[string]string{"f": "v"}); !errors.Is(err, ErrWrongType) {
			t.Errorf("HashSet(string key) error = %v, want ErrWrongType", err)
		}
	})
}

func TestStore_ListPushBounded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		key := "rel:G1"

		for _, m := range []string{"D1", "D2", "D3"} {
			trimmed, err := b.store.ListPushBounded(ctx, key, m, 3)
			if err != nil {
				t.Fatalf("ListPushBounded(%s) error = %v", m, err)
			}
			if len(trimmed) != 0 {
				t.Errorf("ListPushBounded(%s) trimmed %v, want none", m, trimmed)
			}
		}

		// Re-adding moves D1 to the newest end without growing the list.
		if _, err := b.store.ListPushBounded(ctx, key, "D1", 3); err != nil {
			t.Fatalf("ListPushBounded(D1) error = %v", err)
		}
		assertMembers(t, b.store, key, []string{"D2", "D3", "D1"})

		trimmed, err := b.store.ListPushBounded(ctx, key, "D4", 3)
		if err != nil {
			t.Fatalf("ListPushBounded(D4) error = %v", err)
		}
		if len(trimmed) != 1 || trimmed[0] != "D2" {
			t.Errorf("trimmed = %v, want [D2]", trimmed)
		}
		assertMembers(t, b.store, key, []string{"D3", "D1", "D4"})

		if err := b.store.ListRemove(ctx, key, "D1"); err != nil {
			t.Fatalf("ListRemove() error = %v", err)
		}
		assertMembers(t, b.store, key, []string{"D3", "D4"})
	})
}

func TestStore_ListUnbounded(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		for _, m := range []string{"a", "b", "c"} {
			trimmed, err := b.store.ListPushBounded(ctx, "l", m, 0)
			if err != nil || len(trimmed) != 0 {
				t.Fatalf("ListPushBounded(%s, 0) = %v, %v", m, trimmed, err)
			}
		}
		assertMembers(t, b.store, "l", []string{"a", "b", "c"})
	})
}

func assertMembers(t *testing.T, s Store, key string, want []string) {
	t.Helper()
	got, err := s.ListMembers(context.Background(), key)
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("ListMembers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListMembers() = %v, want %v", got, want)
		}
	}
}

func TestStore_ExpireAndPersist(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		at := b.now().Add(time.Hour)

		if err := b.store.Set(ctx, "status:G1", "OFFLINE"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := b.store.HashSet(ctx, "live:D1", map[string]string{"temp": "1"}); err != nil {
			t.Fatalf("HashSet() error = %v", err)
		}
		for _, key := range []string{"status:G1", "live:D1"} {
			if err := b.store.ExpireAt(ctx, key, at); err != nil {
				t.Fatalf("ExpireAt(%s) error = %v", key, err)
			}
		}
		// Missing keys are ignored.
		if err := b.store.ExpireAt(ctx, "config:none", at); err != nil {
			t.Fatalf("ExpireAt(missing) error = %v", err)
		}

		deadline, ok, err := b.store.Deadline(ctx, "status:G1")
		if err != nil || !ok {
			t.Fatalf("Deadline() = %v, %v, %v", deadline, ok, err)
		}
		if diff := deadline.Sub(at); diff < -time.Second || diff > time.Second {
			t.Errorf("Deadline() = %v, want ~%v", deadline, at)
		}

		// HashSet keeps the deadline.
		if err := b.store.HashSet(ctx, "live:D1", map[string]string{"temp": "2"}); err != nil {
			t.Fatalf("HashSet() error = %v", err)
		}
		if _, ok, _ := b.store.Deadline(ctx, "live:D1"); !ok {
			t.Error("HashSet cleared the deadline")
		}

		if err := b.store.Persist(ctx, "status:G1"); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
		if _, ok, _ := b.store.Deadline(ctx, "status:G1"); ok {
			t.Error("Deadline() still set after Persist")
		}

		b.advance(2 * time.Hour)

		if _, err := b.store.Get(ctx, "status:G1"); err != nil {
			t.Errorf("Get(persisted) error = %v", err)
		}
		all, err := b.store.HashGetAll(ctx, "live:D1")
		if err != nil {
			t.Fatalf("HashGetAll() error = %v", err)
		}
		if len(all) != 0 {
			t.Errorf("HashGetAll(expired) = %v, want empty", all)
		}
		if _, ok, _ := b.store.Deadline(ctx, "live:D1"); ok {
			t.Error("Deadline(expired) reported a deadline")
		}
	})
}

func TestStore_SetClearsDeadline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		if err := b.store.Set(ctx, "config:D1", "{}"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if err := b.store.ExpireAt(ctx, "config:D1", b.now().Add(time.Minute)); err != nil {
			t.Fatalf("ExpireAt() error = %v", err)
		}
		if err := b.store.Set(ctx, "config:D1", `{"a":1}`); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if _, ok, _ := b.store.Deadline(ctx, "config:D1"); ok {
			t.Error("Set kept the deadline")
		}
	})
}

func TestStore_ExpiredListRestartsEmpty(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		if _, err := b.store.ListPushBounded(ctx, "rel:G1", "D1", 10); err != nil {
			t.Fatalf("ListPushBounded() error = %v", err)
		}
		if err := b.store.ExpireAt(ctx, "rel:G1", b.now().Add(time.Minute)); err != nil {
			t.Fatalf("ExpireAt() error = %v", err)
		}
		b.advance(time.Hour)

		if _, err := b.store.ListPushBounded(ctx, "rel:G1", "D2", 10); err != nil {
			t.Fatalf("ListPushBounded() error = %v", err)
		}
		assertMembers(t, b.store, "rel:G1", []string{"D2"})
		if _, ok, _ := b.store.Deadline(ctx, "rel:G1"); ok {
			t.Error("recreated list inherited the old deadline")
		}
	})
}

func TestStore_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		ctx := context.Background()
		_ = b.store.Set(ctx, "a", "1")
		_ = b.store.HashSet(ctx, "b", map[string]string{"f": "1"})

		if err := b.store.Delete(ctx, "a", "b", "missing"); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := b.store.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
		}
		all, _ := b.store.HashGetAll(ctx, "b")
		if len(all) != 0 {
			t.Errorf("HashGetAll(deleted) = %v", all)
		}
	})
}

func TestStore_Ping(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend) {
		if err := b.store.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "iotcore:")
	defer store.Close()

	if err := store.Set(context.Background(), "status:G1", "ONLINE"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := mr.Get("iotcore:status:G1")
	if err != nil || got != "ONLINE" {
		t.Errorf("raw key = %q, %v, want ONLINE under prefix", got, err)
	}
}

func TestSQLiteStore_Sweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	store := newSQLiteStore(t, clock)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Set(ctx, key, "1"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	_ = store.ExpireAt(ctx, "a", clock.Now().Add(time.Minute))
	_ = store.ExpireAt(ctx, "b", clock.Now().Add(time.Hour))

	clock.Advance(10 * time.Minute)

	n, err := store.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep() removed %d keys, want 1", n)
	}

	var remaining []string
	rows, err := store.db.QueryContext(ctx, `SELECT key FROM cache_keys`)
	if err != nil {
		t.Fatalf("query error = %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		_ = rows.Scan(&k)
		remaining = append(remaining, k)
	}
	sort.Strings(remaining)
	if len(remaining) != 2 || remaining[0] != "b" || remaining[1] != "c" {
		t.Errorf("remaining keys = %v, want [b c]", remaining)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

func TestSQLiteStore_RunJanitorStops(t *testing.T) {
	store := newSQLiteStore(t, &fakeClock{t: time.Unix(1700000000, 0)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunJanitor(ctx, 5*time.Millisecond, nopLogger{})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunJanitor did not return after cancel")
	}
}
