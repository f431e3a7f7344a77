// Package crossledger keeps balance reservations and runs transfers that span one or two ledgers as operations that
// can be reversed as a unit.
//
// Reservations are provisional holds against an account's settled balance. For every ledger, account and asset the
// sum of active reservations never exceeds the balance: reserving, settling and debiting take a per key lock, so a
// check and the write that depends on it cannot interleave with another one on the same key.
//
// A same-ledger operation is a single adapter Transfer. A cross-ledger operation locks the amount on the source
// ledger and mints it on the destination ledger. A failing step is compensated immediately. Compensation that
// cannot complete leaves the operation failed and is logged as an INCONSISTENCY.
package crossledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/ledger"
	"github.com/tarancss/xrouter/lib/types"
)

// OperationStatus is the state of an Operation. Completed, RolledBack and Failed are terminal, although a failed
// operation with steps left to reverse can be rolled back again.
type OperationStatus string

// Operation statuses.
const (
	StatusPending    OperationStatus = "pending"
	StatusProcessing OperationStatus = "processing"
	StatusCompleted  OperationStatus = "completed"
	StatusRolledBack OperationStatus = "rolled_back"
	StatusFailed     OperationStatus = "failed"
)

// Errors returned
var (
	ErrUnknownLedger      = errors.New("unknown ledger")
	ErrReservationUnknown = errors.New("reservation not found")
	ErrOperationUnknown   = errors.New("operation not found")
	ErrInProgress         = errors.New("operation in progress")
	ErrInconsistent       = errors.New("INCONSISTENCY: ledger steps left applied")
)

// CompensationTimeoutDefault bounds the compensation of a failed operation.
const CompensationTimeoutDefault = 30 * time.Second

// Availability is the result of a balance check.
type Availability struct {
	Available        bool
	CurrentBalance   *big.Int
	AvailableBalance *big.Int
}

// Reservation is a hold of Amount against the balance of AccountID in AssetID on LedgerID.
type Reservation struct {
	ID        string    `json:"reservationId"`
	LedgerID  string    `json:"ledgerId"`
	AccountID string    `json:"accountId"`
	AssetID   string    `json:"assetId"`
	Amount    *big.Int  `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Request describes a transfer between two accounts, possibly on different ledgers.
type Request struct {
	SourceLedger string   `validate:"required"`
	DestLedger   string   `validate:"required"`
	FromAccount  string   `validate:"required"`
	ToAccount    string   `validate:"required"`
	AssetID      string   `validate:"required"`
	Amount       *big.Int `validate:"required"`
}

// Step is a ledger transaction applied by an operation.
type Step struct {
	Ledger  string       `json:"ledger"`
	Kind    types.TxKind `json:"kind"`
	Account string       `json:"account"`
	To      string       `json:"to,omitempty"`
	TxHash  string       `json:"txHash"`
}

// Operation is a transfer tracked as a unit. Steps lists the ledger transactions applied and not reversed yet.
type Operation struct {
	ID           string          `json:"operationId"`
	SourceLedger string          `json:"sourceLedger"`
	DestLedger   string          `json:"destLedger"`
	FromAccount  string          `json:"fromAccount"`
	ToAccount    string          `json:"toAccount"`
	AssetID      string          `json:"assetId"`
	Amount       *big.Int        `json:"amount"`
	Status       OperationStatus `json:"status"`
	Steps        []Step          `json:"steps"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// CrossLedger reports whether the operation spans two ledgers.
func (o *Operation) CrossLedger() bool {
	return o.SourceLedger != o.DestLedger
}

func (o *Operation) clone() Operation {
	c := *o
	c.Amount = new(big.Int).Set(o.Amount)
	c.Steps = append([]Step(nil), o.Steps...)

	return c
}

// Manager owns reservation bookkeeping and cross-ledger operations over a set of ledger adapters.
type Manager struct {
	ledgers  map[string]ledger.Adapter
	clock    clockwork.Clock
	log      *slog.Logger
	validate *validator.Validate

	// compensation runs on its own deadline, the caller's may be what failed the step
	compensation time.Duration

	mu           sync.Mutex
	keys         map[string]*sync.Mutex
	reserved     map[string]*big.Int
	reservations map[string]*Reservation
	ops          map[string]*Operation
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithCompensationTimeout sets how long the compensation of a failed operation may take.
func WithCompensationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.compensation = d }
}

// New returns a Manager over ledgers, keyed by ledger name.
func New(ledgers map[string]ledger.Adapter, opts ...Option) *Manager {
	m := &Manager{
		ledgers:      ledgers,
		clock:        clockwork.NewRealClock(),
		log:          slog.Default(),
		validate:     validator.New(),
		compensation: CompensationTimeoutDefault,
		keys:         make(map[string]*sync.Mutex),
		reserved:     make(map[string]*big.Int),
		reservations: make(map[string]*Reservation),
		ops:          make(map[string]*Operation),
	}

	for _, o := range opts {
		o(m)
	}

	m.log = m.log.With("component", "crossledger")

	return m
}

// Ledger returns the adapter for ledgerID.
func (m *Manager) Ledger(ledgerID string) (ledger.Adapter, error) {
	a, ok := m.ledgers[ledgerID]
	if !ok {
		return nil, errs.Wrapf(errs.Validation, "crossledger", ErrUnknownLedger, "%s", ledgerID)
	}

	return a, nil
}

// ValidateBalanceAvailability reports whether amount can be reserved from the account. AvailableBalance is the
// settled balance minus active reservations.
func (m *Manager) ValidateBalanceAvailability(ctx context.Context, ledgerID, accountID, assetID string,
	amount *big.Int) (Availability, error) {
	if err := checkAmount("validateBalance", amount); err != nil {
		return Availability{}, err
	}

	k := key(ledgerID, accountID, assetID)
	unlock := m.lockKey(k)
	defer unlock()

	return m.availability(ctx, ledgerID, accountID, assetID, amount)
}

// ReserveBalance holds amount against the account's available balance. It fails with an errs.Transfer error
// containing "insufficient balance" when the available balance is lower than amount.
func (m *Manager) ReserveBalance(ctx context.Context, ledgerID, accountID, assetID string,
	amount *big.Int) (*Reservation, error) {
	if err := checkAmount("reserveBalance", amount); err != nil {
		return nil, err
	}

	k := key(ledgerID, accountID, assetID)
	unlock := m.lockKey(k)
	defer unlock()

	av, err := m.availability(ctx, ledgerID, accountID, assetID, amount)
	if err != nil {
		return nil, err
	}

	if !av.Available {
		return nil, errs.New(errs.Transfer, "reserveBalance",
			"insufficient balance: available %s, requested %s", av.AvailableBalance, amount)
	}

	r := &Reservation{
		ID:        "res_" + uuid.NewString(),
		LedgerID:  ledgerID,
		AccountID: accountID,
		AssetID:   assetID,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: m.clock.Now(),
	}

	m.mu.Lock()
	m.reservations[r.ID] = r
	m.addReserved(k, amount)
	m.mu.Unlock()

	m.log.Debug("balance reserved", "reservation", r.ID, "ledger", ledgerID, "account", accountID, "asset", assetID,
		"amount", amount.String())

	c := *r

	return &c, nil
}

// ReleaseReservation removes a reservation, restoring the available balance. It reports whether the reservation
// existed; releasing twice is harmless.
func (m *Manager) ReleaseReservation(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.dropReservation(id) != nil
}

// InitiateCrossLedgerTransfer checks the available balance of the source account and runs the transfer as a new
// operation. The returned operation is completed on success. On failure it is returned with the error, failed when
// nothing was applied or compensation failed, rolled_back when compensation succeeded.
func (m *Manager) InitiateCrossLedgerTransfer(ctx context.Context, req Request) (*Operation, error) {
	if err := m.check(req); err != nil {
		return nil, err
	}

	k := key(req.SourceLedger, req.FromAccount, req.AssetID)
	unlock := m.lockKey(k)
	defer unlock()

	av, err := m.availability(ctx, req.SourceLedger, req.FromAccount, req.AssetID, req.Amount)
	if err != nil {
		return nil, err
	}

	if !av.Available {
		return nil, errs.New(errs.Transfer, "initiateTransfer",
			"insufficient balance: available %s, requested %s", av.AvailableBalance, req.Amount)
	}

	return m.execute(ctx, req)
}

// SettleReservation consumes a reservation by running the transfer it was made for. The reservation must match the
// source ledger, account, asset and amount of req. It is consumed whatever the outcome, so a failed settlement leaves
// the balance available again.
func (m *Manager) SettleReservation(ctx context.Context, reservationID string, req Request) (*Operation, error) {
	if err := m.check(req); err != nil {
		return nil, err
	}

	k := key(req.SourceLedger, req.FromAccount, req.AssetID)
	unlock := m.lockKey(k)
	defer unlock()

	m.mu.Lock()

	r, ok := m.reservations[reservationID]
	if !ok {
		m.mu.Unlock()

		return nil, errs.Wrapf(errs.Validation, "settleReservation", ErrReservationUnknown, "%s", reservationID)
	}

	if key(r.LedgerID, r.AccountID, r.AssetID) != k || r.Amount.Cmp(req.Amount) != 0 {
		m.mu.Unlock()

		return nil, errs.New(errs.Validation, "settleReservation", "reservation %s does not match the transfer",
			reservationID)
	}

	m.dropReservation(reservationID)
	m.mu.Unlock()

	// the key lock is still held, no reservation can be made against the funds being debited
	return m.execute(ctx, req)
}

// RollbackCrossLedgerOperation reverses the applied steps of an operation in reverse order. The operation ends
// rolled_back, or failed with an error if a reversal fails, in which case calling it again retries the steps left.
// Rolling back a rolled_back operation is a no-op.
func (m *Manager) RollbackCrossLedgerOperation(ctx context.Context, id string) (*Operation, error) {
	m.mu.Lock()

	op, ok := m.ops[id]
	if !ok {
		m.mu.Unlock()

		return nil, errs.Wrapf(errs.Validation, "rollback", ErrOperationUnknown, "%s", id)
	}

	switch op.Status {
	case StatusRolledBack:
		c := op.clone()
		m.mu.Unlock()

		return &c, nil
	case StatusPending, StatusProcessing:
		m.mu.Unlock()

		return nil, errs.Wrapf(errs.Validation, "rollback", ErrInProgress, "%s", id)
	}

	op.Status = StatusProcessing
	m.mu.Unlock()

	err := m.reverse(ctx, op)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
		op.UpdatedAt = m.clock.Now()
		m.log.Error("INCONSISTENCY: rollback could not complete", "operation", op.ID, "stepsLeft", len(op.Steps),
			"err", err)

		c := op.clone()

		return &c, err
	}

	op.Status = StatusRolledBack
	op.UpdatedAt = m.clock.Now()
	m.log.Info("operation rolled back", "operation", op.ID)

	c := op.clone()

	return &c, nil
}

// GetActiveReservations returns the active reservations, oldest first.
func (m *Manager) GetActiveReservations() []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		c := *r
		c.Amount = new(big.Int).Set(r.Amount)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

// GetCrossLedgerOperations returns all the operations, oldest first.
func (m *Manager) GetCrossLedgerOperations() []Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Operation, 0, len(m.ops))
	for _, o := range m.ops {
		out = append(out, o.clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out
}

// GetCrossLedgerOperation returns the operation with id.
func (m *Manager) GetCrossLedgerOperation(id string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.ops[id]
	if !ok {
		return Operation{}, false
	}

	return o.clone(), true
}

// execute runs req as a new operation. The caller holds the source key lock.
func (m *Manager) execute(ctx context.Context, req Request) (*Operation, error) {
	src, err := m.Ledger(req.SourceLedger)
	if err != nil {
		return nil, err
	}

	dst, err := m.Ledger(req.DestLedger)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	op := &Operation{
		ID:           "op_" + uuid.NewString(),
		SourceLedger: req.SourceLedger,
		DestLedger:   req.DestLedger,
		FromAccount:  req.FromAccount,
		ToAccount:    req.ToAccount,
		AssetID:      req.AssetID,
		Amount:       new(big.Int).Set(req.Amount),
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	m.ops[op.ID] = op
	op.Status = StatusProcessing
	m.mu.Unlock()

	log := m.log.With("operation", op.ID, "source", op.SourceLedger, "dest", op.DestLedger, "asset", op.AssetID,
		"amount", op.Amount.String())

	var stepErr error

	if !op.CrossLedger() {
		var hash string
		if hash, stepErr = src.Transfer(ctx, req.FromAccount, req.ToAccount, req.AssetID, req.Amount); stepErr == nil {
			m.applied(op, Step{Ledger: src.Name(), Kind: types.TxTransfer, Account: req.FromAccount, To: req.ToAccount,
				TxHash: hash})
		}
	} else {
		var hash string
		if hash, stepErr = src.LockAsset(ctx, req.FromAccount, req.AssetID, req.Amount); stepErr == nil {
			m.applied(op, Step{Ledger: src.Name(), Kind: types.TxLock, Account: req.FromAccount, TxHash: hash})

			if hash, stepErr = dst.Mint(ctx, req.ToAccount, req.AssetID, req.Amount); stepErr == nil {
				m.applied(op, Step{Ledger: dst.Name(), Kind: types.TxMint, Account: req.ToAccount, TxHash: hash})
			}
		}
	}

	if stepErr == nil {
		m.finish(op, StatusCompleted, "")
		log.Info("operation completed")

		c := m.snapshot(op)

		return &c, nil
	}

	stepErr = fmt.Errorf("operation %s: %w", op.ID, stepErr)

	if len(op.Steps) == 0 {
		m.finish(op, StatusFailed, stepErr.Error())
		log.Warn("operation failed, nothing applied", "err", stepErr)

		c := m.snapshot(op)

		return &c, stepErr
	}

	// compensate what was applied
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.compensation)
	err = m.reverse(cctx, op)
	cancel()

	if err != nil {
		m.finish(op, StatusFailed, err.Error())
		log.Error("INCONSISTENCY: compensation failed", "stepsLeft", len(op.Steps), "cause", stepErr, "err", err)

		c := m.snapshot(op)

		return &c, errors.Join(stepErr, errs.Wrap(errs.Transfer, "compensate",
			fmt.Errorf("%w: %w", ErrInconsistent, err)))
	}

	m.finish(op, StatusRolledBack, stepErr.Error())
	log.Warn("operation rolled back after failure", "err", stepErr)

	c := m.snapshot(op)

	return &c, stepErr
}

// reverse undoes op.Steps from last to first, removing each step once reversed.
func (m *Manager) reverse(ctx context.Context, op *Operation) error {
	for {
		m.mu.Lock()
		n := len(op.Steps)

		if n == 0 {
			m.mu.Unlock()

			return nil
		}

		s := op.Steps[n-1]
		m.mu.Unlock()

		if err := m.undo(ctx, op, s); err != nil {
			return fmt.Errorf("cannot reverse %s %s on %s: %w", s.Kind, s.TxHash, s.Ledger, err)
		}

		m.mu.Lock()
		op.Steps = op.Steps[:n-1]
		op.UpdatedAt = m.clock.Now()
		m.mu.Unlock()
	}
}

func (m *Manager) undo(ctx context.Context, op *Operation, s Step) error {
	a, err := m.Ledger(s.Ledger)
	if err != nil {
		return err
	}

	switch s.Kind {
	case types.TxLock:
		_, err = a.UnlockAsset(ctx, s.Account, op.AssetID, op.Amount)
	case types.TxMint:
		// burning debits the recipient, who may hold reservations against the minted funds
		err = m.debitChecked(ctx, s.Ledger, s.Account, op.AssetID, op.Amount, func() error {
			_, err := a.Burn(ctx, s.Account, op.AssetID, op.Amount)

			return err
		})
	case types.TxTransfer:
		err = m.debitChecked(ctx, s.Ledger, s.To, op.AssetID, op.Amount, func() error {
			_, err := a.Transfer(ctx, s.To, s.Account, op.AssetID, op.Amount)

			return err
		})
	default:
		err = fmt.Errorf("unknown step kind %s", s.Kind)
	}

	return err
}

// debitChecked runs debit under the account key lock if the account can spare amount without breaking its
// reservations.
func (m *Manager) debitChecked(ctx context.Context, ledgerID, accountID, assetID string, amount *big.Int,
	debit func() error) error {
	unlock := m.lockKey(key(ledgerID, accountID, assetID))
	defer unlock()

	av, err := m.availability(ctx, ledgerID, accountID, assetID, amount)
	if err != nil {
		return err
	}

	if !av.Available {
		return errs.New(errs.Transfer, "debit", "insufficient balance: available %s, requested %s",
			av.AvailableBalance, amount)
	}

	return debit()
}

// availability computes the available balance. The caller holds the key lock.
func (m *Manager) availability(ctx context.Context, ledgerID, accountID, assetID string,
	amount *big.Int) (Availability, error) {
	a, err := m.Ledger(ledgerID)
	if err != nil {
		return Availability{}, err
	}

	bal, err := a.GetBalance(ctx, accountID, assetID)
	if err != nil {
		return Availability{}, fmt.Errorf("cannot get balance of %s: %w", accountID, err)
	}

	m.mu.Lock()
	avail := new(big.Int).Set(bal)

	if r, ok := m.reserved[key(ledgerID, accountID, assetID)]; ok {
		avail.Sub(avail, r)
	}
	m.mu.Unlock()

	return Availability{
		Available:        avail.Cmp(amount) >= 0,
		CurrentBalance:   bal,
		AvailableBalance: avail,
	}, nil
}

func (m *Manager) check(req Request) error {
	if err := m.validate.Struct(req); err != nil {
		return errs.Wrap(errs.Validation, "crossledger", err)
	}

	return checkAmount("crossledger", req.Amount)
}

func (m *Manager) lockKey(k string) func() {
	m.mu.Lock()

	l, ok := m.keys[k]
	if !ok {
		l = new(sync.Mutex)
		m.keys[k] = l
	}
	m.mu.Unlock()

	l.Lock()

	return l.Unlock
}

// addReserved and dropReservation are called with m.mu held.
func (m *Manager) addReserved(k string, amount *big.Int) {
	if r, ok := m.reserved[k]; ok {
		r.Add(r, amount)

		return
	}

	m.reserved[k] = new(big.Int).Set(amount)
}

func (m *Manager) dropReservation(id string) *Reservation {
	r, ok := m.reservations[id]
	if !ok {
		return nil
	}

	delete(m.reservations, id)

	k := key(r.LedgerID, r.AccountID, r.AssetID)
	if total, ok := m.reserved[k]; ok {
		total.Sub(total, r.Amount)

		if total.Sign() <= 0 {
			delete(m.reserved, k)
		}
	}

	return r
}

func (m *Manager) applied(op *Operation, s Step) {
	m.mu.Lock()
	op.Steps = append(op.Steps, s)
	op.UpdatedAt = m.clock.Now()
	m.mu.Unlock()
}

func (m *Manager) finish(op *Operation, status OperationStatus, msg string) {
	m.mu.Lock()
	op.Status = status
	op.Error = msg
	op.UpdatedAt = m.clock.Now()
	m.mu.Unlock()
}

func (m *Manager) snapshot(op *Operation) Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return op.clone()
}

func checkAmount(op string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errs.Wrap(errs.Validation, op, types.ErrInvalidAmount)
	}

	return nil
}

func key(ledgerID, accountID, assetID string) string {
	return ledgerID + "|" + accountID + "|" + assetID
}
