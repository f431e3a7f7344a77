package crossledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/ledger"
	"github.com/tarancss/xrouter/lib/ledger/mock"
)

var insufficient = regexp.MustCompile(`(?i)insufficient|not enough`)

func setup(t *testing.T) (*Manager, *mock.Ledger, *mock.Ledger) {
	t.Helper()

	a, b := mock.New("ledger-a"), mock.New("ledger-b")
	for _, l := range []*mock.Ledger{a, b} {
		if err := l.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	a.SetBalance("alice", "USD", big.NewInt(100))

	m := New(map[string]ledger.Adapter{"ledger-a": a, "ledger-b": b},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	return m, a, b
}

func balance(t *testing.T, l *mock.Ledger, account string) int64 {
	t.Helper()

	b, err := l.GetBalance(context.Background(), account, "USD")
	if err != nil {
		t.Fatal(err)
	}

	return b.Int64()
}

func TestReserveAndRelease(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	before, err := m.ValidateBalanceAvailability(ctx, "ledger-a", "alice", "USD", big.NewInt(1))
	if err != nil || !before.Available || before.AvailableBalance.Int64() != 100 {
		t.Fatalf("unexpected availability %+v %v", before, err)
	}

	r30, err := m.ReserveBalance(ctx, "ledger-a", "alice", "USD", big.NewInt(30))
	if err != nil {
		t.Fatalf("reserve 30 failed: %v", err)
	}

	_, err = m.ReserveBalance(ctx, "ledger-a", "alice", "USD", big.NewInt(80))
	if err == nil || !insufficient.MatchString(err.Error()) || !errors.Is(err, errs.ErrTransfer) {
		t.Fatalf("reserve 80 should fail with insufficient balance, got %v", err)
	}

	av, _ := m.ValidateBalanceAvailability(ctx, "ledger-a", "alice", "USD", big.NewInt(80))
	if av.Available || av.CurrentBalance.Int64() != 100 || av.AvailableBalance.Int64() != 70 {
		t.Errorf("unexpected availability %+v", av)
	}

	if len(m.GetActiveReservations()) != 1 {
		t.Errorf("expected one active reservation")
	}

	if !m.ReleaseReservation(r30.ID) {
		t.Errorf("release should report the reservation existed")
	}

	if m.ReleaseReservation(r30.ID) {
		t.Errorf("second release should be a no-op")
	}

	after, _ := m.ValidateBalanceAvailability(ctx, "ledger-a", "alice", "USD", big.NewInt(1))
	if after.AvailableBalance.Cmp(before.AvailableBalance) != 0 {
		t.Errorf("release did not restore the available balance: %s != %s", after.AvailableBalance,
			before.AvailableBalance)
	}

	if _, err = m.ReserveBalance(ctx, "ledger-a", "alice", "USD", big.NewInt(80)); err != nil {
		t.Errorf("reserve 80 after release failed: %v", err)
	}
}

func TestReserveValidation(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	cases := []struct {
		ledger string
		amount *big.Int
	}{
		{"ledger-a", nil},
		{"ledger-a", big.NewInt(0)},
		{"ledger-a", big.NewInt(-5)},
		{"ledger-z", big.NewInt(5)},
	}

	for i, c := range cases {
		if _, err := m.ReserveBalance(ctx, c.ledger, "alice", "USD", c.amount); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("[%d] expected validation error, got %v", i, err)
		}
	}
}

func TestConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	m, _, _ := setup(t)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := m.ReserveBalance(ctx, "ledger-a", "alice", "USD", big.NewInt(15)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if ok != 6 {
		t.Errorf("expected 6 reservations of 15 out of 100, got %d", ok)
	}

	total := new(big.Int)
	for _, r := range m.GetActiveReservations() {
		total.Add(total, r.Amount)
	}

	if total.Int64() > 100 {
		t.Errorf("over-reserved: %s", total)
	}
}

func TestCrossLedgerTransferAndRollback(t *testing.T) {
	ctx := context.Background()
	m, a, b := setup(t)

	op, err := m.InitiateCrossLedgerTransfer(ctx, Request{
		SourceLedger: "ledger-a", DestLedger: "ledger-b", FromAccount: "alice", ToAccount: "bob",
		AssetID: "USD", Amount: big.NewInt(15),
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if op.Status != StatusCompleted || len(op.Steps) != 2 || !op.CrossLedger() {
		t.Errorf("unexpected operation %+v", op)
	}

	if balance(t, a, "alice") != 85 || a.LockedBalance("alice", "USD").Int64() != 15 || balance(t, b, "bob") != 15 {
		t.Errorf("unexpected balances after transfer")
	}

	rb, err := m.RollbackCrossLedgerOperation(ctx, op.ID)
	if err != nil || rb.Status != StatusRolledBack || len(rb.Steps) != 0 {
		t.Fatalf("rollback failed: %+v %v", rb, err)
	}

	if balance(t, a, "alice") != 100 || a.LockedBalance("alice", "USD").Sign() != 0 || balance(t, b, "bob") != 0 {
		t.Errorf("rollback did not restore balances")
	}

	// idempotent
	if rb, err = m.RollbackCrossLedgerOperation(ctx, op.ID); err != nil || rb.Status != StatusRolledBack {
		t.Errorf("second rollback should be a no-op: %+v %v", rb, err)
	}

	if balance(t, a, "alice") != 100 || balance(t, b, "bob") != 0 {
		t.Errorf("second rollback changed balances")
	}

	if got, ok := m.GetCrossLedgerOperation(op.ID); !ok || got.Status != StatusRolledBack {
		t.Errorf("unexpected stored operation %+v", got)
	}

	if _, err = m.RollbackCrossLedgerOperation(ctx, "op_missing"); !errors.Is(err, ErrOperationUnknown) {
		t.Errorf("expected unknown operation, got %v", err)
	}
}

func TestSameLedgerTransferAndRollback(t *testing.T) {
	ctx := context.Background()
	m, a, _ := setup(t)

	req := Request{SourceLedger: "ledger-a", DestLedger: "ledger-a", FromAccount: "alice", ToAccount: "carol",
		AssetID: "USD", Amount: big.NewInt(40)}

	op, err := m.InitiateCrossLedgerTransfer(ctx, req)
	if err != nil || op.Status != StatusCompleted || len(op.Steps) != 1 || op.CrossLedger() {
		t.Fatalf("unexpected operation %+v %v", op, err)
	}

	if balance(t, a, "alice") != 60 || balance(t, a, "carol") != 40 {
		t.Errorf("unexpected balances after transfer")
	}

	// carol's reserved funds cannot be taken back
	r, err := m.ReserveBalance(ctx, "ledger-a", "carol", "USD", big.NewInt(30))
	if err != nil {
		t.Fatal(err)
	}

	if rb, err := m.RollbackCrossLedgerOperation(ctx, op.ID); err == nil || rb.Status != StatusFailed {
		t.Errorf("rollback over reserved funds should fail: %+v %v", rb, err)
	}

	m.ReleaseReservation(r.ID)

	if rb, err := m.RollbackCrossLedgerOperation(ctx, op.ID); err != nil || rb.Status != StatusRolledBack {
		t.Errorf("retried rollback should succeed: %+v %v", rb, err)
	}

	if balance(t, a, "alice") != 100 || balance(t, a, "carol") != 0 {
		t.Errorf("rollback did not restore balances")
	}
}

func TestMintFailureCompensates(t *testing.T) {
	ctx := context.Background()
	m, a, b := setup(t)

	b.FailNext(mock.OpMint, errors.New("mint rejected"))

	op, err := m.InitiateCrossLedgerTransfer(ctx, Request{
		SourceLedger: "ledger-a", DestLedger: "ledger-b", FromAccount: "alice", ToAccount: "bob",
		AssetID: "USD", Amount: big.NewInt(15),
	})
	if err == nil || op == nil || op.Status != StatusRolledBack {
		t.Fatalf("expected rolled back operation, got %+v %v", op, err)
	}

	if balance(t, a, "alice") != 100 || a.LockedBalance("alice", "USD").Sign() != 0 || balance(t, b, "bob") != 0 {
		t.Errorf("compensation did not restore balances")
	}
}

func TestCompensationFailure(t *testing.T) {
	ctx := context.Background()
	m, a, b := setup(t)

	b.FailNext(mock.OpMint, errors.New("mint rejected"))
	a.FailNext(mock.OpUnlock, errors.New("unlock rejected"))

	op, err := m.InitiateCrossLedgerTransfer(ctx, Request{
		SourceLedger: "ledger-a", DestLedger: "ledger-b", FromAccount: "alice", ToAccount: "bob",
		AssetID: "USD", Amount: big.NewInt(15),
	})
	if err == nil || op.Status != StatusFailed || len(op.Steps) != 1 {
		t.Fatalf("expected failed operation with the lock left, got %+v %v", op, err)
	}

	if !errors.Is(err, ErrInconsistent) || !regexp.MustCompile("INCONSISTENCY").MatchString(err.Error()) {
		t.Errorf("compensation failure should be reported as an inconsistency: %v", err)
	}

	// a later rollback reverses what is left
	rb, err := m.RollbackCrossLedgerOperation(ctx, op.ID)
	if err != nil || rb.Status != StatusRolledBack {
		t.Fatalf("rollback failed: %+v %v", rb, err)
	}

	if balance(t, a, "alice") != 100 || a.LockedBalance("alice", "USD").Sign() != 0 {
		t.Errorf("rollback did not restore balances")
	}
}

func TestCompensationAfterDeadline(t *testing.T) {
	a, b := mock.New("ledger-a"), mock.New("ledger-b", mock.WithLatency(200*time.Millisecond))
	for _, l := range []*mock.Ledger{a, b} {
		if err := l.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	a.SetBalance("alice", "USD", big.NewInt(100))

	m := New(map[string]ledger.Adapter{"ledger-a": a, "ledger-b": b},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithCompensationTimeout(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	op, err := m.InitiateCrossLedgerTransfer(ctx, Request{
		SourceLedger: "ledger-a", DestLedger: "ledger-b", FromAccount: "alice", ToAccount: "bob",
		AssetID: "USD", Amount: big.NewInt(15),
	})
	if err == nil || op == nil || op.Status != StatusRolledBack || len(op.Steps) != 0 {
		t.Fatalf("expected rolled back operation, got %+v %v", op, err)
	}

	if errs.KindOf(err) != errs.Timeout || errors.Is(err, ErrInconsistent) {
		t.Errorf("expected a clean timeout, got %v", err)
	}

	if balance(t, a, "alice") != 100 || a.LockedBalance("alice", "USD").Sign() != 0 {
		t.Errorf("alice %d locked %s, expected 100 and nothing locked", balance(t, a, "alice"),
			a.LockedBalance("alice", "USD"))
	}
}

func TestFirstStepFailure(t *testing.T) {
	ctx := context.Background()
	m, a, _ := setup(t)

	timeout := errs.New(errs.Timeout, "ledger-a.lock", "deadline exceeded")
	a.FailNext(mock.OpLock, timeout)

	op, err := m.InitiateCrossLedgerTransfer(ctx, Request{
		SourceLedger: "ledger-a", DestLedger: "ledger-b", FromAccount: "alice", ToAccount: "bob",
		AssetID: "USD", Amount: big.NewInt(15),
	})
	if op == nil || op.Status != StatusFailed || len(op.Steps) != 0 {
		t.Fatalf("unexpected operation %+v", op)
	}

	if errs.KindOf(err) != errs.Timeout {
		t.Errorf("ledger error kind should be kept, got %v", err)
	}

	if balance(t, a, "alice") != 100 {
		t.Errorf("balance changed")
	}
}

func TestInitiateRespectsReservations(t *testing.T) {
	ctx := context.Background()
	m, a, b := setup(t)

	r, err := m.ReserveBalance(ctx, "ledger-a", "alice", "USD", big.NewInt(40))
	if err != nil {
		t.Fatal(err)
	}

	req := Request{SourceLedger: "ledger-a", DestLedger: "ledger-b", FromAccount: "alice", ToAccount: "bob",
		AssetID: "USD", Amount: big.NewInt(70)}

	if _, err = m.InitiateCrossLedgerTransfer(ctx, req); err == nil || !insufficient.MatchString(err.Error()) {
		t.Errorf("transfer over reserved funds should fail, got %v", err)
	}

	// the reservation itself can be settled
	req.Amount = big.NewInt(40)

	if _, err = m.SettleReservation(ctx, r.ID, Request{SourceLedger: "ledger-a", DestLedger: "ledger-b",
		FromAccount: "alice", ToAccount: "bob", AssetID: "USD", Amount: big.NewInt(41)}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("mismatched settlement should fail validation, got %v", err)
	}

	op, err := m.SettleReservation(ctx, r.ID, req)
	if err != nil || op.Status != StatusCompleted {
		t.Fatalf("settlement failed: %+v %v", op, err)
	}

	if len(m.GetActiveReservations()) != 0 {
		t.Errorf("settled reservation still active")
	}

	if balance(t, a, "alice") != 60 || balance(t, b, "bob") != 40 {
		t.Errorf("unexpected balances after settlement")
	}

	if _, err = m.SettleReservation(ctx, r.ID, req); !errors.Is(err, ErrReservationUnknown) {
		t.Errorf("settling twice should fail, got %v", err)
	}

	if len(m.GetCrossLedgerOperations()) != 1 {
		t.Errorf("expected one operation, got %d", len(m.GetCrossLedgerOperations()))
	}
}
