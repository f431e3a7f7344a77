package confirmation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/store"
	"github.com/tarancss/xrouter/lib/store/memory"
	"github.com/tarancss/xrouter/lib/types"
	"github.com/tarancss/xrouter/lib/util"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func transfer(id, from, to string) *types.Transfer {
	return &types.Transfer{
		ID:          id,
		FromAccount: types.Ref{ID: from, Type: "account"},
		ToAccount:   types.Ref{ID: to, Type: "account"},
		Asset:       types.Ref{ID: "USD", Type: "asset"},
		Amount:      big.NewInt(42),
		Status:      types.TransferPending,
	}
}

func newManager(kv store.KV, routerID string, clock clockwork.Clock) *Manager {
	return NewManager(kv, routerID, util.NewSigner("secret"), WithClock(clock), WithLogger(discard))
}

func TestCreateConfirmationRecord(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	kv := memory.New(clock)
	m := newManager(kv, "R1", clock)

	r, err := m.CreateConfirmationRecord(ctx, transfer("t1", "alice", "bob"), StatusConfirmed, "0xabc")
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(r.ID, "conf_") || r.TransferID != "t1" || r.RouterID != "R1" || r.Status != StatusConfirmed {
		t.Errorf("unexpected record %+v", r)
	}

	if r.Metadata.Amount != "42" || r.Metadata.FromAccount != "alice" || r.Metadata.LedgerTxHash != "0xabc" {
		t.Errorf("unexpected metadata %+v", r.Metadata)
	}

	if !m.VerifyRecord(r) {
		t.Errorf("record signature does not verify")
	}

	got, err := m.GetConfirmationRecord(ctx, r.ID)
	if err != nil || got.ID != r.ID || !got.Timestamp.Equal(r.Timestamp) || got.Signature != r.Signature {
		t.Errorf("unexpected stored record %+v %v", got, err)
	}

	// same transfer and router: the stored record is returned unchanged
	clock.Advance(time.Hour)

	again, err := m.CreateConfirmationRecord(ctx, transfer("t1", "alice", "bob"), StatusRejected, "")
	if err != nil || again.ID != r.ID || again.Status != StatusConfirmed || !again.Timestamp.Equal(r.Timestamp) {
		t.Errorf("record was not created once: %+v %v", again, err)
	}

	all, _ := kv.HGetAll(ctx, store.ConfirmationsKey("R1"))
	if len(all) != 1 {
		t.Errorf("expected one stored record, got %d", len(all))
	}

	for _, acc := range []string{"alice", "bob"} {
		recs, err := m.GetUserTransactions(ctx, acc)
		if err != nil || len(recs) != 1 || recs[0].ID != r.ID {
			t.Errorf("%s index: %+v %v", acc, recs, err)
		}
	}

	recs, err := m.GetAssetTransactions(ctx, "USD")
	if err != nil || len(recs) != 1 {
		t.Errorf("asset index: %+v %v", recs, err)
	}

	if _, err = m.GetConfirmationRecord(ctx, "conf_missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}

	// tampering breaks the signature
	got.Status = StatusRejected
	if m.VerifyRecord(got) {
		t.Errorf("tampered record verified")
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	m := newManager(memory.New(nil), "R1", clockwork.NewFakeClock())

	if _, err := m.CreateConfirmationRecord(ctx, nil, StatusConfirmed, ""); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for nil transfer, got %v", err)
	}

	if _, err := m.CreateConfirmationRecord(ctx, transfer("", "a", "b"), StatusConfirmed, ""); !errors.Is(err,
		errs.ErrValidation) {
		t.Errorf("expected validation error for empty id, got %v", err)
	}

	if _, err := m.CreateConfirmationRecord(ctx, transfer("t1", "a", "b"), "done", ""); !errors.Is(err,
		errs.ErrValidation) {
		t.Errorf("expected validation error for bad status, got %v", err)
	}
}

type failingKV struct {
	store.KV
	err error
}

func (f failingKV) HSetNX(context.Context, string, string, string) (bool, error) {
	return false, f.err
}

func (f failingKV) SAdd(context.Context, string, ...string) error {
	return f.err
}

func TestCreatePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection refused")
	m := newManager(failingKV{KV: memory.New(nil), err: boom}, "R1", clockwork.NewFakeClock())

	_, err := m.CreateConfirmationRecord(context.Background(), transfer("t1", "a", "b"), StatusConfirmed, "")
	if !errors.Is(err, boom) || errs.KindOf(err) != errs.Network {
		t.Errorf("expected the store error, got %v", err)
	}
}

func TestTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	kv := memory.New(clock)
	r1 := newManager(kv, "R1", clock)
	r2 := newManager(kv, "R2", clock)

	for i, id := range []string{"t1", "t2", "t3"} {
		if _, err := r1.CreateConfirmationRecord(ctx, transfer(id, "alice", "bob"), StatusConfirmed, ""); err != nil {
			t.Fatalf("[%d] %v", i, err)
		}

		clock.Advance(time.Minute)
	}

	// another router's record shares the index but not the collection
	if _, err := r2.CreateConfirmationRecord(ctx, transfer("t4", "alice", "carol"), StatusConfirmed, ""); err != nil {
		t.Fatal(err)
	}

	recs, err := r1.GetUserTransactions(ctx, "alice")
	if err != nil || len(recs) != 3 {
		t.Fatalf("unexpected records %+v %v", recs, err)
	}

	for i, exp := range []string{"t3", "t2", "t1"} {
		if recs[i].TransferID != exp {
			t.Errorf("[%d] got %s expected %s", i, recs[i].TransferID, exp)
		}
	}

	if recs, _ = r2.GetUserTransactions(ctx, "alice"); len(recs) != 1 || recs[0].TransferID != "t4" {
		t.Errorf("unexpected R2 records %+v", recs)
	}

	// routers can read each other's collections
	peer, err := r1.LookupRecord(ctx, "R2", RecordID("t4", "R2"))
	if err != nil || peer.RouterID != "R2" || !r1.VerifyRecord(peer) {
		t.Errorf("cannot look up peer record %+v %v", peer, err)
	}
}

func TestCleanupOldRecords(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	kv := memory.New(clock)
	m := newManager(kv, "R1", clock)

	old, err := m.CreateConfirmationRecord(ctx, transfer("old", "alice", "bob"), StatusConfirmed, "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(25 * 24 * time.Hour)

	recent, err := m.CreateConfirmationRecord(ctx, transfer("recent", "alice", "bob"), StatusConfirmed, "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(10 * 24 * time.Hour)

	// old is 35 days old, recent 10 days
	n, err := m.CleanupOldRecords(ctx, 30)
	if err != nil || n != 1 {
		t.Fatalf("expected one deleted record, got %d %v", n, err)
	}

	if _, err = m.GetConfirmationRecord(ctx, old.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("old record not deleted: %v", err)
	}

	if _, err = m.GetConfirmationRecord(ctx, recent.ID); err != nil {
		t.Errorf("recent record deleted: %v", err)
	}

	ids, _ := kv.SMembers(ctx, store.UserTransactionsKey("alice"))
	if len(ids) != 1 || ids[0] != recent.ID {
		t.Errorf("index not cleaned: %v", ids)
	}

	if _, err = m.CleanupOldRecords(ctx, -1); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCleanupKeepsCutoff(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	m := newManager(memory.New(clock), "R1", clock)

	r, err := m.CreateConfirmationRecord(ctx, transfer("t1", "alice", "bob"), StatusConfirmed, "")
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(30 * 24 * time.Hour)

	if n, err := m.CleanupOldRecords(ctx, 30); err != nil || n != 0 {
		t.Errorf("record at the cutoff should be kept, deleted %d %v", n, err)
	}

	clock.Advance(time.Millisecond)

	if n, err := m.CleanupOldRecords(ctx, 30); err != nil || n != 1 {
		t.Errorf("record past the cutoff should be deleted, deleted %d %v", n, err)
	}

	if _, err = m.GetConfirmationRecord(ctx, r.ID); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("record still present: %v", err)
	}
}
