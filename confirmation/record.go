// Package confirmation persists the confirmation records routers write for transfers, and runs their creation on a
// bounded pool of workers.
//
// Records live in the hash router:{routerId}:confirmations keyed by record id, and their ids are indexed in
// router:user_transactions:{accountId} for both accounts and router:asset_transactions:{assetId}. A record id is
// derived from the transfer id and the router id, so there is one record per transfer and router: creating it again,
// for instance from a confirmation task that timed out and was retried, returns the stored record unchanged.
package confirmation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/store"
	"github.com/tarancss/xrouter/lib/types"
	"github.com/tarancss/xrouter/lib/util"
)

// Status of a confirmation record.
type Status string

// Record statuses.
const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected, StatusFailed:
		return true
	}

	return false
}

// ErrRecordNotFound is returned when a record does not exist.
var ErrRecordNotFound = errors.New("confirmation record not found")

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("xrouter/confirmation"))

// Metadata describes the transfer a record confirms.
type Metadata struct {
	FromAccount  string `json:"fromAccount"`
	ToAccount    string `json:"toAccount"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	LedgerTxHash string `json:"ledgerTxHash,omitempty"`
}

// Record is the confirmation a router gives for a transfer.
type Record struct {
	ID         string    `json:"id"`
	TransferID string    `json:"transferId"`
	RouterID   string    `json:"routerId"`
	Status     Status    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  string    `json:"signature"`
	Metadata   Metadata  `json:"metadata"`
}

func (r *Record) signingFields() []string {
	return []string{
		r.ID, r.TransferID, r.RouterID, string(r.Status), r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.Metadata.FromAccount, r.Metadata.ToAccount, r.Metadata.Asset, r.Metadata.Amount, r.Metadata.LedgerTxHash,
	}
}

// RecordID returns the id of the record routerID writes for transferID.
func RecordID(transferID, routerID string) string {
	return "conf_" + uuid.NewSHA1(namespace, []byte(transferID+"|"+routerID)).String()
}

// Manager reads and writes the confirmation records of one router.
type Manager struct {
	kv       store.KV
	routerID string
	signer   *util.Signer
	clock    clockwork.Clock
	log      *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for record timestamps and cleanup.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager returns the record manager of routerID. Records are signed with signer.
func NewManager(kv store.KV, routerID string, signer *util.Signer, opts ...ManagerOption) *Manager {
	m := &Manager{kv: kv, routerID: routerID, signer: signer, clock: clockwork.NewRealClock(), log: slog.Default()}

	for _, o := range opts {
		o(m)
	}

	m.log = m.log.With("component", "confirmation")

	return m
}

// RouterID returns the id of the router owning the records.
func (m *Manager) RouterID() string {
	return m.routerID
}

// CreateConfirmationRecord persists the record of this router for t with status and indexes it by account and asset.
// If the record exists already it is returned unchanged. Persistence errors are returned.
func (m *Manager) CreateConfirmationRecord(ctx context.Context, t *types.Transfer, status Status,
	ledgerTxHash string) (*Record, error) {
	if t == nil {
		return nil, errs.New(errs.Validation, "createRecord", "transfer is required")
	}

	if t.ID == "" {
		return nil, errs.New(errs.Validation, "createRecord", "transfer id is required")
	}

	if !status.Valid() {
		return nil, errs.New(errs.Validation, "createRecord", "invalid status %q", status)
	}

	amount := ""
	if t.Amount != nil {
		amount = t.Amount.String()
	}

	r := &Record{
		ID:         RecordID(t.ID, m.routerID),
		TransferID: t.ID,
		RouterID:   m.routerID,
		Status:     status,
		Timestamp:  m.clock.Now().UTC(),
		Metadata: Metadata{
			FromAccount:  t.FromAccount.ID,
			ToAccount:    t.ToAccount.ID,
			Asset:        t.Asset.ID,
			Amount:       amount,
			LedgerTxHash: ledgerTxHash,
		},
	}
	r.Signature = m.signer.Sign(r.signingFields()...)

	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	created, err := m.kv.HSetNX(ctx, store.ConfirmationsKey(m.routerID), r.ID, string(data))
	if err != nil {
		return nil, errs.Wrapf(errs.Network, "createRecord", err, "cannot persist record %s", r.ID)
	}

	if !created {
		if r, err = m.GetConfirmationRecord(ctx, r.ID); err != nil {
			return nil, err
		}

		m.log.Debug("confirmation record exists", "record", r.ID, "transfer", t.ID)
	}

	// indexing an existing record again repairs a creation interrupted before its indexes were written
	if err = m.index(ctx, r); err != nil {
		return nil, err
	}

	if created {
		m.log.Info("confirmation record created", "record", r.ID, "transfer", t.ID, "status", r.Status)
	}

	return r, nil
}

// GetConfirmationRecord returns the record id of this router, or ErrRecordNotFound.
func (m *Manager) GetConfirmationRecord(ctx context.Context, id string) (*Record, error) {
	return m.LookupRecord(ctx, m.routerID, id)
}

// LookupRecord returns the record id from the collection of routerID, or ErrRecordNotFound.
func (m *Manager) LookupRecord(ctx context.Context, routerID, id string) (*Record, error) {
	data, err := m.kv.HGet(ctx, store.ConfirmationsKey(routerID), id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRecordNotFound
	}

	if err != nil {
		return nil, errs.Wrapf(errs.Network, "getRecord", err, "cannot read record %s", id)
	}

	var r Record
	if err = json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("cannot decode record %s: %w", id, err)
	}

	return &r, nil
}

// VerifyRecord reports whether the signature of r is valid for the signing secret of this manager.
func (m *Manager) VerifyRecord(r *Record) bool {
	return r != nil && m.signer.Verify(r.Signature, r.signingFields()...)
}

// GetUserTransactions returns the records of this router involving accountID, newest first.
func (m *Manager) GetUserTransactions(ctx context.Context, accountID string) ([]Record, error) {
	return m.indexed(ctx, store.UserTransactionsKey(accountID))
}

// GetAssetTransactions returns the records of this router for assetID, newest first.
func (m *Manager) GetAssetTransactions(ctx context.Context, assetID string) ([]Record, error) {
	return m.indexed(ctx, store.AssetTransactionsKey(assetID))
}

// CleanupOldRecords deletes the records of this router with a timestamp strictly older than maxAgeDays days ago and
// returns how many were deleted.
func (m *Manager) CleanupOldRecords(ctx context.Context, maxAgeDays int) (int, error) {
	if maxAgeDays < 0 {
		return 0, errs.New(errs.Validation, "cleanup", "maxAgeDays must not be negative, got %d", maxAgeDays)
	}

	key := store.ConfirmationsKey(m.routerID)

	all, err := m.kv.HGetAll(ctx, key)
	if err != nil {
		return 0, errs.Wrap(errs.Network, "cleanup", err)
	}

	cutoff := m.clock.Now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	var old []Record

	for id, data := range all {
		var r Record
		if err = json.Unmarshal([]byte(data), &r); err != nil {
			m.log.Warn("skipping malformed confirmation record", "record", id, "err", err)

			continue
		}

		if r.Timestamp.Before(cutoff) {
			old = append(old, r)
		}
	}

	if len(old) == 0 {
		return 0, nil
	}

	ids := make([]string, len(old))
	for i := range old {
		ids[i] = old[i].ID
	}

	n, err := m.kv.HDel(ctx, key, ids...)
	if err != nil {
		return 0, errs.Wrap(errs.Network, "cleanup", err)
	}

	// indexes may be shared with other routers' records, only this router's ids are removed
	for i := range old {
		r := &old[i]
		for _, k := range indexKeys(r) {
			if err = m.kv.SRem(ctx, k, r.ID); err != nil {
				m.log.Warn("cannot remove record from index", "record", r.ID, "index", k, "err", err)
			}
		}
	}

	m.log.Info("old confirmation records deleted", "deleted", n, "cutoff", cutoff)

	return int(n), nil
}

func (m *Manager) index(ctx context.Context, r *Record) error {
	for _, k := range indexKeys(r) {
		if err := m.kv.SAdd(ctx, k, r.ID); err != nil {
			return errs.Wrapf(errs.Network, "createRecord", err, "cannot index record %s", r.ID)
		}
	}

	return nil
}

func (m *Manager) indexed(ctx context.Context, key string) ([]Record, error) {
	ids, err := m.kv.SMembers(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.Network, "getRecords", err)
	}

	out := make([]Record, 0, len(ids))

	for _, id := range ids {
		r, err := m.GetConfirmationRecord(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			// another router's record, or one already cleaned up
			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}

		return out[i].Timestamp.After(out[j].Timestamp)
	})

	return out, nil
}

func indexKeys(r *Record) []string {
	keys := util.Dedupe([]string{r.Metadata.FromAccount, r.Metadata.ToAccount})
	for i, a := range keys {
		keys[i] = store.UserTransactionsKey(a)
	}

	if r.Metadata.Asset != "" {
		keys = append(keys, store.AssetTransactionsKey(r.Metadata.Asset))
	}

	return keys
}
