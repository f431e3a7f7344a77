// Package mock implements an in-memory ledger. It keeps settled and locked balances per account and asset, asset
// supplies and a transaction log, and supports failure injection for tests.
package mock

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/types"
)

// Operation names accepted by FailNext.
const (
	OpConnect       = "connect"
	OpCreateAsset   = "createAsset"
	OpCreateAccount = "createAccount"
	OpGetBalance    = "getBalance"
	OpTransfer      = string(types.TxTransfer)
	OpLock          = string(types.TxLock)
	OpUnlock        = string(types.TxUnlock)
	OpMint          = string(types.TxMint)
	OpBurn          = string(types.TxBurn)
)

// Ledger is an in-memory ledger adapter.
type Ledger struct {
	name    string
	clock   clockwork.Clock
	latency time.Duration

	mu        sync.Mutex
	connected bool
	assets    map[string]*types.Asset
	accounts  map[string]*types.Account
	balances  map[string]*big.Int
	locked    map[string]*big.Int
	txs       map[string]*types.Transaction
	failures  map[string]error
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for timestamps and latency.
func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLatency delays every operation by d, or until its context is done.
func WithLatency(d time.Duration) Option {
	return func(l *Ledger) { l.latency = d }
}

// New returns a disconnected mock ledger called name.
func New(name string, opts ...Option) *Ledger {
	l := &Ledger{
		name:     name,
		clock:    clockwork.NewRealClock(),
		assets:   make(map[string]*types.Asset),
		accounts: make(map[string]*types.Account),
		balances: make(map[string]*big.Int),
		locked:   make(map[string]*big.Int),
		txs:      make(map[string]*types.Transaction),
		failures: make(map[string]error),
	}

	for _, o := range opts {
		o(l)
	}

	return l
}

// Name returns the ledger name.
func (l *Ledger) Name() string {
	return l.name
}

// Connect marks the ledger connected.
func (l *Ledger) Connect(ctx context.Context) error {
	if err := l.wait(ctx, OpConnect); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.injected(OpConnect); err != nil {
		return err
	}

	l.connected = true

	return nil
}

// Disconnect marks the ledger disconnected. State is kept.
func (l *Ledger) Disconnect(_ context.Context) error {
	l.mu.Lock()
	l.connected = false
	l.mu.Unlock()

	return nil
}

// IsConnected reports whether Connect was called.
func (l *Ledger) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.connected
}

// CreateAsset registers a new asset. An empty spec.ID gets a generated id.
func (l *Ledger) CreateAsset(ctx context.Context, spec types.AssetSpec) (*types.Asset, error) {
	if err := l.begin(ctx, OpCreateAsset); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()

	id := spec.ID
	if id == "" {
		id = "asset_" + uuid.NewString()
	}

	if _, ok := l.assets[id]; ok {
		return nil, errs.Wrapf(errs.Validation, l.op(OpCreateAsset), types.ErrAssetExists, "%s", id)
	}

	supply := new(big.Int)
	if spec.TotalSupply != nil {
		supply.Set(spec.TotalSupply)
	}

	a := &types.Asset{
		ID:          id,
		Symbol:      spec.Symbol,
		Name:        spec.Name,
		Decimals:    spec.Decimals,
		TotalSupply: supply,
		LedgerID:    l.name,
		Metadata:    spec.Metadata,
	}
	l.assets[id] = a

	c := *a
	c.TotalSupply = new(big.Int).Set(supply)

	return &c, nil
}

// CreateAccount creates an empty account for institutionID.
func (l *Ledger) CreateAccount(ctx context.Context, institutionID string) (*types.Account, error) {
	if err := l.begin(ctx, OpCreateAccount); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()

	u := uuid.New()
	id := "acc_" + u.String()
	now := l.clock.Now()
	a := &types.Account{
		FinID:         types.Ref{ID: id, Type: "account", Domain: l.name},
		Address:       "0x" + hex.EncodeToString(u[:]),
		InstitutionID: institutionID,
		LedgerID:      l.name,
		Balances:      map[string]*big.Int{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	l.accounts[id] = a

	c := *a

	return &c, nil
}

// GetBalance returns the settled balance of accountID in assetID. Unknown pairs have a zero balance.
func (l *Ledger) GetBalance(ctx context.Context, accountID, assetID string) (*big.Int, error) {
	if err := l.begin(ctx, OpGetBalance); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()

	return new(big.Int).Set(l.get(l.balances, accountID, assetID)), nil
}

// Transfer moves amount of assetID from one account to another.
func (l *Ledger) Transfer(ctx context.Context, from, to, assetID string, amount *big.Int) (string, error) {
	if err := l.begin(ctx, OpTransfer); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	if err := l.debit(l.balances, OpTransfer, from, assetID, amount); err != nil {
		return "", err
	}

	l.credit(l.balances, to, assetID, amount)

	return l.record(types.TxTransfer, from, to, assetID, amount), nil
}

// LockAsset moves amount from the settled balance of accountID into escrow.
func (l *Ledger) LockAsset(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error) {
	if err := l.begin(ctx, OpLock); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	if err := l.debit(l.balances, OpLock, accountID, assetID, amount); err != nil {
		return "", err
	}

	l.credit(l.locked, accountID, assetID, amount)

	return l.record(types.TxLock, accountID, "", assetID, amount), nil
}

// UnlockAsset returns amount from escrow to the settled balance of accountID.
func (l *Ledger) UnlockAsset(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error) {
	if err := l.begin(ctx, OpUnlock); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	if err := l.debit(l.locked, OpUnlock, accountID, assetID, amount); err != nil {
		return "", err
	}

	l.credit(l.balances, accountID, assetID, amount)

	return l.record(types.TxUnlock, "", accountID, assetID, amount), nil
}

// Mint credits amount to accountID and increases the asset supply.
func (l *Ledger) Mint(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error) {
	if err := l.begin(ctx, OpMint); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return "", errs.Wrap(errs.Validation, l.op(OpMint), types.ErrInvalidAmount)
	}

	l.credit(l.balances, accountID, assetID, amount)

	if a, ok := l.assets[assetID]; ok {
		a.TotalSupply.Add(a.TotalSupply, amount)
	}

	return l.record(types.TxMint, "", accountID, assetID, amount), nil
}

// Burn debits amount from accountID and decreases the asset supply.
func (l *Ledger) Burn(ctx context.Context, accountID, assetID string, amount *big.Int) (string, error) {
	if err := l.begin(ctx, OpBurn); err != nil {
		return "", err
	}
	defer l.mu.Unlock()

	if err := l.debit(l.balances, OpBurn, accountID, assetID, amount); err != nil {
		return "", err
	}

	if a, ok := l.assets[assetID]; ok {
		a.TotalSupply.Sub(a.TotalSupply, amount)
	}

	return l.record(types.TxBurn, accountID, "", assetID, amount), nil
}

// GetTransaction returns the transaction with the given hash.
func (l *Ledger) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	if err := l.begin(ctx, "getTransaction"); err != nil {
		return nil, err
	}
	defer l.mu.Unlock()

	tx, ok := l.txs[hash]
	if !ok {
		return nil, errs.Wrapf(errs.Validation, l.op("getTransaction"), types.ErrTxNotFound, "%s", hash)
	}

	c := *tx
	c.Amount = new(big.Int).Set(tx.Amount)

	return &c, nil
}

// GetTransactionStatus returns the status of the transaction with the given hash.
func (l *Ledger) GetTransactionStatus(ctx context.Context, hash string) (types.TxStatus, error) {
	tx, err := l.GetTransaction(ctx, hash)
	if err != nil {
		return "", err
	}

	return tx.Status, nil
}

// SetBalance sets the settled balance of accountID in assetID. It works while disconnected.
func (l *Ledger) SetBalance(accountID, assetID string, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[key(accountID, assetID)] = new(big.Int).Set(amount)
}

// LockedBalance returns the escrowed balance of accountID in assetID.
func (l *Ledger) LockedBalance(accountID, assetID string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return new(big.Int).Set(l.get(l.locked, accountID, assetID))
}

// TotalSupply returns the supply of a created asset, or nil.
func (l *Ledger) TotalSupply(assetID string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.assets[assetID]
	if !ok {
		return nil
	}

	return new(big.Int).Set(a.TotalSupply)
}

// FailNext makes the next call of op return err.
func (l *Ledger) FailNext(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures[op] = err
}

// begin waits the configured latency, then locks the ledger and checks connectivity and injected failures. On success
// the caller owns l.mu.
func (l *Ledger) begin(ctx context.Context, op string) error {
	if err := l.wait(ctx, op); err != nil {
		return err
	}

	l.mu.Lock()

	if !l.connected {
		l.mu.Unlock()

		return errs.Wrap(errs.Network, l.op(op), types.ErrNotConnected)
	}

	if err := l.injected(op); err != nil {
		l.mu.Unlock()

		return err
	}

	return nil
}

func (l *Ledger) wait(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Timeout, l.op(op), err)
	}

	if l.latency <= 0 {
		return nil
	}

	select {
	case <-l.clock.After(l.latency):
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Timeout, l.op(op), ctx.Err())
	}
}

// injected returns and clears the failure set for op. Callers hold l.mu.
func (l *Ledger) injected(op string) error {
	err, ok := l.failures[op]
	if !ok {
		return nil
	}

	delete(l.failures, op)

	return err
}

func (l *Ledger) op(op string) string {
	return l.name + "." + op
}

func (l *Ledger) get(m map[string]*big.Int, accountID, assetID string) *big.Int {
	if v, ok := m[key(accountID, assetID)]; ok {
		return v
	}

	return new(big.Int)
}

func (l *Ledger) debit(m map[string]*big.Int, op, accountID, assetID string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.Wrap(errs.Validation, l.op(op), types.ErrInvalidAmount)
	}

	bal := l.get(m, accountID, assetID)
	if bal.Cmp(amount) < 0 {
		return errs.Wrapf(errs.Transfer, l.op(op), types.ErrInsufficientFunds,
			"account %s has %s of %s, needs %s", accountID, bal, assetID, amount)
	}

	m[key(accountID, assetID)] = new(big.Int).Sub(bal, amount)

	return nil
}

func (l *Ledger) credit(m map[string]*big.Int, accountID, assetID string, amount *big.Int) {
	m[key(accountID, assetID)] = new(big.Int).Add(l.get(m, accountID, assetID), amount)
}

// record appends a confirmed transaction to the log and returns its hash.
func (l *Ledger) record(kind types.TxKind, from, to, assetID string, amount *big.Int) string {
	id := uuid.New()
	hash := "0x" + hex.EncodeToString(id[:])

	l.txs[hash] = &types.Transaction{
		Hash:      hash,
		Ledger:    l.name,
		Kind:      kind,
		From:      from,
		To:        to,
		AssetID:   assetID,
		Amount:    new(big.Int).Set(amount),
		Status:    types.TxConfirmed,
		Timestamp: l.clock.Now(),
	}

	return hash
}

func key(accountID, assetID string) string {
	return fmt.Sprintf("%s|%s", accountID, assetID)
}
