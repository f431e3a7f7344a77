// Package storetest contains the behaviour every store.KV backend must honour, as a reusable test suite.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tarancss/xrouter/lib/store"
)

// Run exercises kv. elapse must make at least d pass for the backend's notion of time.
func Run(t *testing.T, kv store.KV, elapse func(d time.Duration)) {
	t.Helper()

	ns := "test:" + uuid.NewString() + ":"

	t.Run("Ping", func(t *testing.T) {
		if err := kv.Ping(context.Background()); err != nil {
			t.Errorf("ping failed: %v", err)
		}
	})
	t.Run("Hash", func(t *testing.T) { testHash(t, kv, ns) })
	t.Run("HCreate", func(t *testing.T) { testHCreate(t, kv, ns) })
	t.Run("HCompareAndSwap", func(t *testing.T) { testHCompareAndSwap(t, kv, ns) })
	t.Run("Set", func(t *testing.T) { testSet(t, kv, ns) })
	t.Run("String", func(t *testing.T) { testString(t, kv, ns, elapse) })
}

func testHash(t *testing.T, kv store.KV, ns string) {
	ctx := context.Background()
	key := ns + "hash"

	ok, err := kv.HSetNX(ctx, key, "a", "1")
	if err != nil || !ok {
		t.Fatalf("HSetNX new field: %v %v", ok, err)
	}

	if ok, err = kv.HSetNX(ctx, key, "a", "2"); err != nil || ok {
		t.Errorf("HSetNX existing field should not write: %v %v", ok, err)
	}

	if ok, err = kv.HSetNX(ctx, key, "b", "3"); err != nil || !ok {
		t.Errorf("HSetNX second field: %v %v", ok, err)
	}

	if v, err := kv.HGet(ctx, key, "a"); err != nil || v != "1" {
		t.Errorf("HGet got %q %v", v, err)
	}

	if _, err = kv.HGet(ctx, key, "zz"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("HGet missing field should be ErrNotFound, got %v", err)
	}

	if _, err = kv.HGet(ctx, ns+"nohash", "a"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("HGet missing key should be ErrNotFound, got %v", err)
	}

	all, err := kv.HGetAll(ctx, key)
	if err != nil || len(all) != 2 || all["a"] != "1" || all["b"] != "3" {
		t.Errorf("HGetAll got %v %v", all, err)
	}

	if all, err = kv.HGetAll(ctx, ns+"nohash"); err != nil || len(all) != 0 {
		t.Errorf("HGetAll missing key got %v %v", all, err)
	}

	n, err := kv.HDel(ctx, key, "a", "zz")
	if err != nil || n != 1 {
		t.Errorf("HDel got %d %v", n, err)
	}

	if all, _ = kv.HGetAll(ctx, key); len(all) != 1 {
		t.Errorf("HDel did not remove field: %v", all)
	}

	// concurrent HSetNX on one field: exactly one winner
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if ok, err := kv.HSetNX(ctx, key, "race", uuid.NewString()); err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if wins != 1 {
		t.Errorf("expected one HSetNX winner, got %d", wins)
	}
}

func testHCreate(t *testing.T, kv store.KV, ns string) {
	ctx := context.Background()
	key := ns + "create"

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner string
		wins   int
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(id string) {
			defer wg.Done()

			ok, err := kv.HCreate(ctx, key, map[string]string{"owner": id, "other": "x"})
			if err != nil {
				t.Errorf("HCreate error: %v", err)

				return
			}

			if ok {
				mu.Lock()
				wins++
				winner = id
				mu.Unlock()
			}
		}(uuid.NewString())
	}

	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected one HCreate winner, got %d", wins)
	}

	all, err := kv.HGetAll(ctx, key)
	if err != nil || all["owner"] != winner || all["other"] != "x" || len(all) != 2 {
		t.Errorf("unexpected hash %v %v", all, err)
	}
}

func testHCompareAndSwap(t *testing.T, kv store.KV, ns string) {
	ctx := context.Background()
	key := ns + "cas"

	if ok, err := kv.HCompareAndSwap(ctx, key, "owner", "", map[string]string{"owner": "r1"}); err != nil || ok {
		t.Errorf("CAS on missing key should fail: %v %v", ok, err)
	}

	if _, err := kv.HCreate(ctx, key, map[string]string{"owner": "r1", "backups": "r2"}); err != nil {
		t.Fatal(err)
	}

	if ok, err := kv.HCompareAndSwap(ctx, key, "owner", "r9", map[string]string{"owner": "r2"}); err != nil || ok {
		t.Errorf("CAS with wrong expected value should fail: %v %v", ok, err)
	}

	ok, err := kv.HCompareAndSwap(ctx, key, "owner", "r1", map[string]string{"owner": "r2", "backups": "r1", "n": "1"})
	if err != nil || !ok {
		t.Fatalf("CAS should succeed: %v %v", ok, err)
	}

	all, _ := kv.HGetAll(ctx, key)
	if all["owner"] != "r2" || all["backups"] != "r1" || all["n"] != "1" {
		t.Errorf("unexpected hash after CAS %v", all)
	}

	// concurrent CAS from the same expected value: exactly one winner
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func(id string) {
			defer wg.Done()

			if ok, err := kv.HCompareAndSwap(ctx, key, "owner", "r2", map[string]string{"owner": id}); err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uuid.NewString())
	}

	wg.Wait()

	if wins != 1 {
		t.Errorf("expected one CAS winner, got %d", wins)
	}
}

func testSet(t *testing.T, kv store.KV, ns string) {
	ctx := context.Background()
	key := ns + "set"

	if err := kv.SAdd(ctx, key, "a", "b"); err != nil {
		t.Fatal(err)
	}

	if err := kv.SAdd(ctx, key, "b", "c"); err != nil {
		t.Fatal(err)
	}

	m, err := kv.SMembers(ctx, key)
	sort.Strings(m)

	if err != nil || strings.Join(m, ",") != "a,b,c" {
		t.Errorf("SMembers got %v %v", m, err)
	}

	if err = kv.SRem(ctx, key, "a", "zz"); err != nil {
		t.Fatal(err)
	}

	m, _ = kv.SMembers(ctx, key)
	sort.Strings(m)

	if strings.Join(m, ",") != "b,c" {
		t.Errorf("SRem did not remove member: %v", m)
	}

	if m, err = kv.SMembers(ctx, ns+"noset"); err != nil || len(m) != 0 {
		t.Errorf("SMembers missing key got %v %v", m, err)
	}
}

func testString(t *testing.T, kv store.KV, ns string, elapse func(d time.Duration)) {
	ctx := context.Background()
	key := ns + "string"

	if _, err := kv.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing key should be ErrNotFound, got %v", err)
	}

	if err := kv.SetEx(ctx, key, "v1", time.Second); err != nil {
		t.Fatal(err)
	}

	if err := kv.SetEx(ctx, key, "v2", time.Second); err != nil {
		t.Fatal(err)
	}

	if v, err := kv.Get(ctx, key); err != nil || v != "v2" {
		t.Errorf("Get got %q %v", v, err)
	}

	elapse(1500 * time.Millisecond)

	if _, err := kv.Get(ctx, key); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get of expired key should be ErrNotFound, got %v", err)
	}
}
