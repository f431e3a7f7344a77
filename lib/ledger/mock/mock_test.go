package mock

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/types"
)

func TestNotConnected(t *testing.T) {
	ctx := context.Background()
	l := New("mock")

	calls := []func() error{
		func() error { _, err := l.GetBalance(ctx, "a", "x"); return err },
		func() error { _, err := l.Transfer(ctx, "a", "b", "x", big.NewInt(1)); return err },
		func() error { _, err := l.LockAsset(ctx, "a", "x", big.NewInt(1)); return err },
		func() error { _, err := l.UnlockAsset(ctx, "a", "x", big.NewInt(1)); return err },
		func() error { _, err := l.Mint(ctx, "a", "x", big.NewInt(1)); return err },
		func() error { _, err := l.Burn(ctx, "a", "x", big.NewInt(1)); return err },
		func() error { _, err := l.CreateAsset(ctx, types.AssetSpec{Symbol: "X"}); return err },
		func() error { _, err := l.CreateAccount(ctx, "inst"); return err },
		func() error { _, err := l.GetTransaction(ctx, "0x"); return err },
		func() error { _, err := l.GetTransactionStatus(ctx, "0x"); return err },
	}

	for i, call := range calls {
		err := call()
		if !errors.Is(err, types.ErrNotConnected) || !strings.Contains(err.Error(), "not connected") {
			t.Errorf("[%d] expected not connected error, got %v", i, err)
		}

		if errs.KindOf(err) != errs.Network {
			t.Errorf("[%d] expected network error, got %v", i, errs.KindOf(err))
		}
	}
}

func TestBalances(t *testing.T) {
	ctx := context.Background()
	l := New("mock")

	if err := l.Connect(ctx); err != nil || !l.IsConnected() {
		t.Fatalf("cannot connect: %v", err)
	}

	asset, err := l.CreateAsset(ctx, types.AssetSpec{ID: "USD", Symbol: "USD", Decimals: 2, TotalSupply: big.NewInt(1000)})
	if err != nil || asset.LedgerID != "mock" {
		t.Fatalf("cannot create asset: %v %+v", err, asset)
	}

	if _, err = l.CreateAsset(ctx, types.AssetSpec{ID: "USD", Symbol: "USD"}); !errors.Is(err, types.ErrAssetExists) {
		t.Errorf("expected duplicate asset error, got %v", err)
	}

	acc, err := l.CreateAccount(ctx, "bank-1")
	if err != nil || acc.LedgerID != "mock" || !strings.HasPrefix(acc.FinID.ID, "acc_") {
		t.Fatalf("cannot create account: %v %+v", err, acc)
	}

	l.SetBalance("alice", "USD", big.NewInt(100))

	hash, err := l.Transfer(ctx, "alice", "bob", "USD", big.NewInt(30))
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	tx, err := l.GetTransaction(ctx, hash)
	if err != nil || tx.Kind != types.TxTransfer || tx.Amount.Int64() != 30 || tx.Status != types.TxConfirmed {
		t.Errorf("unexpected transaction %+v %v", tx, err)
	}

	if _, err = l.Transfer(ctx, "alice", "bob", "USD", big.NewInt(71)); !errors.Is(err, types.ErrInsufficientFunds) {
		t.Errorf("expected insufficient funds, got %v", err)
	}

	if _, err = l.LockAsset(ctx, "alice", "USD", big.NewInt(20)); err != nil {
		t.Fatal(err)
	}

	bal, _ := l.GetBalance(ctx, "alice", "USD")
	if bal.Int64() != 50 || l.LockedBalance("alice", "USD").Int64() != 20 {
		t.Errorf("unexpected balances after lock %s %s", bal, l.LockedBalance("alice", "USD"))
	}

	if _, err = l.UnlockAsset(ctx, "alice", "USD", big.NewInt(21)); !errors.Is(err, types.ErrInsufficientFunds) {
		t.Errorf("unlock over locked amount should fail, got %v", err)
	}

	if _, err = l.UnlockAsset(ctx, "alice", "USD", big.NewInt(20)); err != nil {
		t.Fatal(err)
	}

	if _, err = l.Mint(ctx, "bob", "USD", big.NewInt(5)); err != nil {
		t.Fatal(err)
	}

	if _, err = l.Burn(ctx, "bob", "USD", big.NewInt(10)); err != nil {
		t.Fatal(err)
	}

	if l.TotalSupply("USD").Int64() != 995 {
		t.Errorf("unexpected supply %s", l.TotalSupply("USD"))
	}

	bob, _ := l.GetBalance(ctx, "bob", "USD")
	if bob.Int64() != 25 {
		t.Errorf("unexpected bob balance %s", bob)
	}

	if _, err = l.Transfer(ctx, "alice", "bob", "USD", big.NewInt(0)); !errors.Is(err, types.ErrInvalidAmount) {
		t.Errorf("expected invalid amount, got %v", err)
	}

	if _, err = l.GetTransactionStatus(ctx, "0xmissing"); !errors.Is(err, types.ErrTxNotFound) {
		t.Errorf("expected tx not found, got %v", err)
	}
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	l := New("mock")
	_ = l.Connect(ctx)
	l.SetBalance("alice", "USD", big.NewInt(10))

	boom := errors.New("boom")
	l.FailNext(OpMint, boom)

	if _, err := l.Mint(ctx, "alice", "USD", big.NewInt(1)); !errors.Is(err, boom) {
		t.Errorf("expected injected failure, got %v", err)
	}

	if _, err := l.Mint(ctx, "alice", "USD", big.NewInt(1)); err != nil {
		t.Errorf("failure should only apply once, got %v", err)
	}
}

func TestLatency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := New("mock", WithClock(clock), WithLatency(time.Second))
	l.SetBalance("alice", "USD", big.NewInt(10))

	done := make(chan error, 1)

	go func() { done <- l.Connect(context.Background()) }()

	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Second)

	if err := <-done; err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.GetBalance(ctx, "alice", "USD")
	if errs.KindOf(err) != errs.Timeout || !errors.Is(err, context.Canceled) {
		t.Errorf("expected timeout error, got %v", err)
	}
}
