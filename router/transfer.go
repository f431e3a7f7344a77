package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tarancss/xrouter/authority"
	"github.com/tarancss/xrouter/confirmation"
	"github.com/tarancss/xrouter/crossledger"
	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/types"
)

// Failure reason classes. The reason of a FAILED transfer starts with one of them.
const (
	ReasonInvalid             = "invalid transfer"
	ReasonUnauthorized        = "unauthorized"
	ReasonInsufficientFunds   = "insufficient funds"
	ReasonLedgerTimeout       = "ledger timeout"
	ReasonLedgerError         = "ledger error"
	ReasonConfirmationDenied  = "confirmation denied"
	ReasonConfirmationTimeout = "confirmation timeout"
)

// Transfer metadata set by the router.
const (
	MetaLedgerTxHash = "ledgerTxHash"
	MetaConfirmedBy  = "confirmedBy"
)

// ProcessTransfer runs in through the transfer state machine and returns it in its final state, CONFIRMED or FAILED
// with a reason. in is not modified. A transfer without id gets one. The error is only set when the router is not
// running; every other failure is reported through the returned transfer.
func (r *Router) ProcessTransfer(ctx context.Context, in *types.Transfer) (*types.Transfer, error) {
	if in == nil {
		return nil, errs.New(errs.Validation, "processTransfer", "transfer is required")
	}

	r.mu.Lock()
	if r.state != stateRunning {
		r.mu.Unlock()

		return nil, ErrNotRunning
	}

	r.transfers.Add(1)
	r.mu.Unlock()

	defer r.transfers.Done()

	start := r.clock.Now()
	t := r.process(ctx, in)
	r.metrics.transfer(t, r.clock.Since(start))

	return t, nil
}

func (r *Router) process(ctx context.Context, in *types.Transfer) *types.Transfer {
	t := in.Clone()
	now := r.clock.Now().UTC()

	if t.ID == "" {
		t.ID = "tx_" + uuid.NewString()
	}

	t.Status = types.TransferPending
	t.Reason = ""
	t.Route = append(t.Route, r.id)
	t.CreatedAt = now
	t.UpdatedAt = now

	log := r.log.With("transfer", t.ID)

	req, err := r.request(t)
	if err != nil {
		return r.fail(t, ReasonInvalid, err.Error())
	}

	// authority
	r.auth.Watch(t.Asset.ID)

	reg, why := r.authorized(ctx, t.Asset.ID)
	if reg == nil {
		return r.fail(t, ReasonUnauthorized, why)
	}

	r.metrics.scale(t.Asset.ID, reg.Metadata)

	// reservation
	res, err := r.lm.ReserveBalance(ctx, req.SourceLedger, req.FromAccount, req.AssetID, req.Amount)
	if err != nil {
		return r.fail(t, classify(err), describe(err))
	}

	// dual confirmation
	if r.threshold != nil && t.Amount.Cmp(r.threshold) > 0 {
		approver, class, why := r.confirm(ctx, t, reg)
		if approver == "" {
			r.lm.ReleaseReservation(res.ID)

			status := confirmation.StatusRejected
			if class == ReasonConfirmationTimeout {
				status = confirmation.StatusFailed
			}

			r.record(t, status, "")

			return r.fail(t, class, why)
		}

		r.setMeta(t, MetaConfirmedBy, approver)
		log.Info("transfer confirmed by peer", "peer", approver)
	}

	// ledger operation
	lctx, cancel := context.WithTimeout(ctx, r.cfg.ProcessingTimeout.Duration)
	defer cancel()

	op, err := r.lm.SettleReservation(lctx, res.ID, req)
	if err != nil {
		if op != nil && op.Status == crossledger.StatusFailed && len(op.Steps) > 0 {
			log.Error("INCONSISTENCY: transfer failed with ledger steps left applied", "operation", op.ID,
				"steps", len(op.Steps), "err", err)
		}

		r.record(t, confirmation.StatusFailed, "")

		why := describe(err)
		if errors.Is(err, crossledger.ErrInconsistent) {
			why += " (" + crossledger.ErrInconsistent.Error() + ")"
		}

		return r.fail(t, classify(err), why)
	}

	hash := ""
	if n := len(op.Steps); n > 0 {
		hash = op.Steps[n-1].TxHash
	}

	t.Status = types.TransferConfirmed
	t.UpdatedAt = r.clock.Now().UTC()
	r.setMeta(t, MetaLedgerTxHash, hash)

	r.record(t, confirmation.StatusConfirmed, hash)

	log.Info("transfer confirmed", "amount", t.Amount, "asset", t.Asset.ID, "from", req.SourceLedger,
		"to", req.DestLedger)

	return t
}

// request validates t and resolves the ledgers of its accounts.
func (r *Router) request(t *types.Transfer) (crossledger.Request, error) {
	if err := r.validate.Struct(t); err != nil {
		return crossledger.Request{}, err
	}

	if t.Amount.Sign() <= 0 {
		return crossledger.Request{}, fmt.Errorf("amount must be positive, got %s", t.Amount)
	}

	req := crossledger.Request{
		SourceLedger: r.ledgerOf(t.FromAccount),
		DestLedger:   r.ledgerOf(t.ToAccount),
		FromAccount:  t.FromAccount.ID,
		ToAccount:    t.ToAccount.ID,
		AssetID:      t.Asset.ID,
		Amount:       t.Amount,
	}

	for _, l := range []string{req.SourceLedger, req.DestLedger} {
		if _, ok := r.ledgers[l]; !ok {
			return crossledger.Request{}, fmt.Errorf("unknown ledger %s", l)
		}
	}

	return req, nil
}

func (r *Router) ledgerOf(ref types.Ref) string {
	if ref.Domain == "" {
		return r.cfg.DefaultLedger
	}

	return ref.Domain
}

// authorized returns the registration of assetID if this router may act on it: as its primary, or as a backup of an
// unavailable primary. Otherwise it returns the reason why not.
func (r *Router) authorized(ctx context.Context, assetID string) (*authority.Registration, string) {
	res := r.auth.ValidateAuthority(ctx, assetID, r.id)
	if !res.Authorized {
		return nil, res.Reason
	}

	if res.PrimaryRouter != r.id {
		if b := r.auth.ValidateBackupAuthority(ctx, assetID, r.id); !b.Authorized {
			return nil, fmt.Sprintf("backup router of %s: %s", assetID, b.Reason)
		}
	}

	reg, err := r.auth.GetRegistration(ctx, assetID)
	if err != nil {
		return nil, err.Error()
	}

	return reg, ""
}

// record queues the creation of the confirmation record of t. The transfer outcome does not depend on it.
func (r *Router) record(t *types.Transfer, status confirmation.Status, hash string) {
	priority := confirmation.PriorityMedium

	switch {
	case status != confirmation.StatusConfirmed:
		priority = confirmation.PriorityLow
	case r.threshold != nil && t.Amount.Cmp(r.threshold) > 0:
		priority = confirmation.PriorityHigh
	}

	if _, err := r.proc.AddTask(t, priority, status, hash); err != nil {
		r.log.Warn("cannot queue confirmation record", "transfer", t.ID, "status", status, "err", err)
	}
}

func (r *Router) fail(t *types.Transfer, class, why string) *types.Transfer {
	t.Status = types.TransferFailed
	t.Reason = class + ": " + why
	t.UpdatedAt = r.clock.Now().UTC()

	r.log.Info("transfer failed", "transfer", t.ID, "reason", t.Reason)

	return t
}

func (r *Router) setMeta(t *types.Transfer, k, v string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}

	t.Metadata[k] = v
}

// classify maps a reservation or ledger error to a failure reason class.
func classify(err error) string {
	switch {
	case errs.KindOf(err) == errs.Timeout || errors.Is(err, context.DeadlineExceeded):
		return ReasonLedgerTimeout
	case errors.Is(err, types.ErrInsufficientFunds),
		errs.KindOf(err) == errs.Transfer && strings.Contains(err.Error(), "insufficient"):
		return ReasonInsufficientFunds
	case errs.KindOf(err) == errs.Validation:
		return ReasonInvalid
	default:
		return ReasonLedgerError
	}
}

// describe returns the message of the first classified error in err's chain, or of the innermost error, leaving out
// the operation and reservation ids of the wrappers.
func describe(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		switch {
		case e.Msg != "" && e.Err != nil:
			return e.Msg + ": " + e.Err.Error()
		case e.Msg != "":
			return e.Msg
		case e.Err != nil:
			return e.Err.Error()
		}
	}

	for u := errors.Unwrap(err); u != nil; u = errors.Unwrap(err) {
		err = u
	}

	return err.Error()
}
