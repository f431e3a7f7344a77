// Package authority tracks which router is the primary for an asset, which routers back it up, and whether the
// primary is alive.
//
// Registrations are hashes under router:asset:{assetId}. They are created with create-if-absent and only changed
// with a compare-and-swap on primaryRouterId, so concurrent writers resolve as first write wins. Liveness is a
// heartbeat timestamp per asset and router under router:heartbeat:{assetId}:{routerId}.
//
// Failover is a lease, not consensus: a backup may take over once the primary's heartbeat is older than the
// staleness threshold, so inside that window two routers can both believe they are entitled to act as primary.
package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/store"
	"github.com/tarancss/xrouter/lib/util"
)

// DefaultStaleness is the heartbeat age after which a primary router is considered unavailable.
const DefaultStaleness = 30 * time.Second

// Registration hash fields.
const (
	fieldPrimary      = "primaryRouterId"
	fieldBackups      = "backupRouterIds"
	fieldMetadata     = "metadata"
	fieldRegisteredAt = "registeredAt"
	fieldUpdatedAt    = "updatedAt"
)

// Errors returned
var (
	ErrAssetNotFound     = errors.New("asset not found")
	ErrAlreadyRegistered = errors.New("asset already registered")
	ErrConflict          = errors.New("authority changed concurrently")
)

// Registration is the authority record of an asset. PrimaryRouterID is never one of BackupRouterIDs.
type Registration struct {
	AssetID         string            `json:"assetId"`
	PrimaryRouterID string            `json:"primaryRouterId"`
	BackupRouterIDs []string          `json:"backupRouterIds"`
	Metadata        map[string]string `json:"metadata"`
	RegisteredAt    time.Time         `json:"registeredAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Routers returns the primary followed by the backups.
func (r *Registration) Routers() []string {
	return append([]string{r.PrimaryRouterID}, r.BackupRouterIDs...)
}

// Result is the outcome of an authority check. Reason explains a refusal.
type Result struct {
	Authorized    bool     `json:"isAuthorized"`
	PrimaryRouter string   `json:"primaryRouter,omitempty"`
	BackupRouters []string `json:"backupRouters,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// Availability reports whether the primary router of an asset has a fresh heartbeat.
type Availability struct {
	Available     bool      `json:"isAvailable"`
	PrimaryRouter string    `json:"primaryRouter"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// Authority is the view of one router on asset authority.
type Authority struct {
	kv        store.KV
	routerID  string
	staleness time.Duration
	clock     clockwork.Clock
	log       *slog.Logger

	mu      sync.Mutex
	watched map[string]struct{}
}

// Option configures an Authority.
type Option func(*Authority)

// WithStaleness sets the heartbeat staleness threshold.
func WithStaleness(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.staleness = d
		}
	}
}

// WithClock sets the clock heartbeats are written and judged with.
func WithClock(c clockwork.Clock) Option {
	return func(a *Authority) { a.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.log = l }
}

// New returns the authority view of routerID.
func New(kv store.KV, routerID string, opts ...Option) *Authority {
	a := &Authority{
		kv:        kv,
		routerID:  routerID,
		staleness: DefaultStaleness,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		watched:   make(map[string]struct{}),
	}

	for _, o := range opts {
		o(a)
	}

	a.log = a.log.With("component", "authority")

	return a
}

// RouterID returns the id of this router.
func (a *Authority) RouterID() string {
	return a.routerID
}

// Staleness returns the heartbeat staleness threshold.
func (a *Authority) Staleness() time.Duration {
	return a.staleness
}

// RegisterAsset registers assetID with this router as primary. Backups are de-duplicated in order and this router is
// removed from them. It fails if the asset is registered already.
func (a *Authority) RegisterAsset(ctx context.Context, assetID string, metadata map[string]string,
	backupRouterIDs []string) (*Registration, error) {
	if assetID == "" {
		return nil, errs.New(errs.Validation, "registerAsset", "asset id is required")
	}

	now := a.clock.Now().UTC()
	reg := &Registration{
		AssetID:         assetID,
		PrimaryRouterID: a.routerID,
		BackupRouterIDs: util.Dedupe(backupRouterIDs, a.routerID),
		Metadata:        metadata,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}

	if reg.Metadata == nil {
		reg.Metadata = map[string]string{}
	}

	backups, _ := json.Marshal(reg.BackupRouterIDs)
	meta, _ := json.Marshal(reg.Metadata)

	created, err := a.kv.HCreate(ctx, store.AssetKey(assetID), map[string]string{
		fieldPrimary:      a.routerID,
		fieldBackups:      string(backups),
		fieldMetadata:     string(meta),
		fieldRegisteredAt: now.Format(time.RFC3339Nano),
		fieldUpdatedAt:    now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errs.Wrapf(errs.Network, "registerAsset", err, "cannot register %s", assetID)
	}

	if !created {
		return nil, errs.Wrapf(errs.Validation, "registerAsset", ErrAlreadyRegistered, "%s", assetID)
	}

	a.Watch(assetID)
	a.log.Info("asset registered", "asset", assetID, "backups", reg.BackupRouterIDs)

	if err = a.SendHeartbeat(ctx, assetID); err != nil {
		a.log.Warn("cannot send first heartbeat", "asset", assetID, "err", err)
	}

	return reg, nil
}

// GetRegistration reads the registration of assetID. Missing assets return ErrAssetNotFound, malformed ones an
// error starting with "Failed to parse".
func (a *Authority) GetRegistration(ctx context.Context, assetID string) (*Registration, error) {
	h, err := a.kv.HGetAll(ctx, store.AssetKey(assetID))
	if err != nil {
		return nil, errs.Wrapf(errs.Network, "getRegistration", err, "cannot read %s", assetID)
	}

	if len(h) == 0 {
		return nil, fmt.Errorf("asset %s: %w", assetID, ErrAssetNotFound)
	}

	return parse(assetID, h)
}

func parse(assetID string, h map[string]string) (*Registration, error) {
	reg := &Registration{AssetID: assetID, PrimaryRouterID: h[fieldPrimary]}

	if reg.PrimaryRouterID == "" {
		return nil, fmt.Errorf("Failed to parse registration of %s: missing %s", assetID, fieldPrimary)
	}

	if err := json.Unmarshal([]byte(h[fieldBackups]), &reg.BackupRouterIDs); err != nil {
		return nil, fmt.Errorf("Failed to parse %s of %s: %w", fieldBackups, assetID, err)
	}

	if m := h[fieldMetadata]; m != "" {
		if err := json.Unmarshal([]byte(m), &reg.Metadata); err != nil {
			return nil, fmt.Errorf("Failed to parse %s of %s: %w", fieldMetadata, assetID, err)
		}
	}

	for field, dst := range map[string]*time.Time{fieldRegisteredAt: &reg.RegisteredAt, fieldUpdatedAt: &reg.UpdatedAt} {
		if v := h[field]; v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("Failed to parse %s of %s: %w", field, assetID, err)
			}

			*dst = t
		}
	}

	return reg, nil
}

// ValidateAuthority reports whether routerID may act on assetID, as its primary or one of its backups. It never
// fails: read errors and malformed registrations are unauthorized results explaining why.
func (a *Authority) ValidateAuthority(ctx context.Context, assetID, routerID string) Result {
	reg, err := a.GetRegistration(ctx, assetID)
	if err != nil {
		return Result{Reason: err.Error()}
	}

	res := Result{PrimaryRouter: reg.PrimaryRouterID, BackupRouters: reg.BackupRouterIDs}

	switch {
	case routerID == reg.PrimaryRouterID:
		res.Authorized = true
		res.Reason = "primary router"
	case util.In(reg.BackupRouterIDs, routerID):
		res.Authorized = true
		res.Reason = "backup router"
	default:
		res.Reason = fmt.Sprintf("router %s is not authorized for asset %s", routerID, assetID)
	}

	return res
}

// TransferAuthority hands the primary role of assetID to newPrimaryRouterID, which must be a backup. Only the
// current primary can call it; it becomes a backup.
func (a *Authority) TransferAuthority(ctx context.Context, assetID, newPrimaryRouterID string) (*Registration, error) {
	reg, err := a.GetRegistration(ctx, assetID)
	if err != nil {
		return nil, err
	}

	if reg.PrimaryRouterID != a.routerID {
		return nil, errs.New(errs.Security, "transferAuthority",
			"Only primary router can transfer authority of %s, primary is %s", assetID, reg.PrimaryRouterID)
	}

	if !util.In(reg.BackupRouterIDs, newPrimaryRouterID) {
		return nil, errs.New(errs.Security, "transferAuthority",
			"router %s is not authorized to become primary of %s: not a backup router", newPrimaryRouterID, assetID)
	}

	updated, err := a.swap(ctx, reg, newPrimaryRouterID)
	if err != nil {
		return nil, err
	}

	a.log.Info("authority transferred", "asset", assetID, "from", a.routerID, "to", newPrimaryRouterID)

	return updated, nil
}

// CheckPrimaryRouterAvailability reads the heartbeat of the primary router of assetID. The primary is available when
// its last heartbeat is younger than the staleness threshold.
func (a *Authority) CheckPrimaryRouterAvailability(ctx context.Context, assetID string) (Availability, error) {
	reg, err := a.GetRegistration(ctx, assetID)
	if err != nil {
		return Availability{}, err
	}

	av := Availability{PrimaryRouter: reg.PrimaryRouterID}

	v, err := a.kv.Get(ctx, store.HeartbeatKey(assetID, reg.PrimaryRouterID))
	if errors.Is(err, store.ErrNotFound) {
		av.Reason = "No heartbeat found"

		return av, nil
	}

	if err != nil {
		return Availability{}, errs.Wrapf(errs.Network, "checkAvailability", err, "cannot read heartbeat of %s",
			reg.PrimaryRouterID)
	}

	last, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		av.Reason = fmt.Sprintf("Failed to parse heartbeat %q", v)

		return av, nil
	}

	av.LastHeartbeat = last

	if age := a.clock.Since(last); age >= a.staleness {
		av.Reason = fmt.Sprintf("heartbeat expired %s ago, threshold %s", age, a.staleness)

		return av, nil
	}

	av.Available = true

	return av, nil
}

// ValidateBackupAuthority reports whether routerID may act as primary of assetID: it must be a backup and the
// primary must be unavailable.
func (a *Authority) ValidateBackupAuthority(ctx context.Context, assetID, routerID string) Result {
	reg, err := a.GetRegistration(ctx, assetID)
	if err != nil {
		return Result{Reason: err.Error()}
	}

	res := Result{PrimaryRouter: reg.PrimaryRouterID, BackupRouters: reg.BackupRouterIDs}

	if !util.In(reg.BackupRouterIDs, routerID) {
		res.Reason = fmt.Sprintf("router %s is not a backup router for asset %s", routerID, assetID)

		return res
	}

	av, err := a.CheckPrimaryRouterAvailability(ctx, assetID)
	if err != nil {
		res.Reason = err.Error()

		return res
	}

	if av.Available {
		res.Reason = "Primary router is available"

		return res
	}

	res.Authorized = true
	res.Reason = "primary router unavailable: " + av.Reason

	return res
}

// SendHeartbeat records that this router is alive for assetID. The key lives twice the staleness threshold.
func (a *Authority) SendHeartbeat(ctx context.Context, assetID string) error {
	err := a.kv.SetEx(ctx, store.HeartbeatKey(assetID, a.routerID), a.clock.Now().UTC().Format(time.RFC3339Nano),
		2*a.staleness)
	if err != nil {
		return errs.Wrapf(errs.Network, "heartbeat", err, "cannot write heartbeat for %s", assetID)
	}

	return nil
}

// HeartbeatOwned sends a heartbeat for every watched asset this router is primary of and returns those assets.
func (a *Authority) HeartbeatOwned(ctx context.Context) ([]string, error) {
	var owned []string

	for _, assetID := range a.WatchedAssets() {
		reg, err := a.GetRegistration(ctx, assetID)
		if err != nil {
			a.log.Warn("cannot read registration", "asset", assetID, "err", err)

			continue
		}

		if reg.PrimaryRouterID != a.routerID {
			continue
		}

		if err = a.SendHeartbeat(ctx, assetID); err != nil {
			return owned, err
		}

		owned = append(owned, assetID)
	}

	return owned, nil
}

// TakeOverAuthority makes this router the primary of assetID if it is a backup and the primary is unavailable. The
// previous primary becomes a backup. It reports whether the take over happened.
func (a *Authority) TakeOverAuthority(ctx context.Context, assetID string) (bool, error) {
	res := a.ValidateBackupAuthority(ctx, assetID, a.routerID)
	if !res.Authorized {
		return false, nil
	}

	reg, err := a.GetRegistration(ctx, assetID)
	if err != nil {
		return false, err
	}

	if _, err = a.swap(ctx, reg, a.routerID); errors.Is(err, ErrConflict) {
		// someone else moved first
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if err = a.SendHeartbeat(ctx, assetID); err != nil {
		a.log.Warn("cannot send heartbeat after take over", "asset", assetID, "err", err)
	}

	a.log.Warn("took over authority from unavailable primary", "asset", assetID, "previous", reg.PrimaryRouterID,
		"reason", res.Reason)

	return true, nil
}

// Watch adds assetID to the assets this router heartbeats and reassesses.
func (a *Authority) Watch(assetID string) {
	a.mu.Lock()
	a.watched[assetID] = struct{}{}
	a.mu.Unlock()
}

// WatchedAssets returns the watched assets, sorted.
func (a *Authority) WatchedAssets() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.watched))
	for id := range a.watched {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// swap makes newPrimary the primary of reg if reg's primary is still current. The old primary becomes a backup.
func (a *Authority) swap(ctx context.Context, reg *Registration, newPrimary string) (*Registration, error) {
	backups := util.Dedupe(append(util.Without(reg.BackupRouterIDs, newPrimary), reg.PrimaryRouterID), newPrimary)
	data, _ := json.Marshal(backups)
	now := a.clock.Now().UTC()

	ok, err := a.kv.HCompareAndSwap(ctx, store.AssetKey(reg.AssetID), fieldPrimary, reg.PrimaryRouterID,
		map[string]string{
			fieldPrimary:   newPrimary,
			fieldBackups:   string(data),
			fieldUpdatedAt: now.Format(time.RFC3339Nano),
		})
	if err != nil {
		return nil, errs.Wrapf(errs.Network, "swapAuthority", err, "cannot update %s", reg.AssetID)
	}

	if !ok {
		return nil, errs.Wrapf(errs.Security, "swapAuthority", ErrConflict, "%s", reg.AssetID)
	}

	c := *reg
	c.PrimaryRouterID = newPrimary
	c.BackupRouterIDs = backups
	c.UpdatedAt = now

	return &c, nil
}
