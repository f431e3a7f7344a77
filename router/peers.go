package router

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/tarancss/xrouter/authority"
	"github.com/tarancss/xrouter/confirmation"
	"github.com/tarancss/xrouter/lib/errs"
	"github.com/tarancss/xrouter/lib/types"
	"github.com/tarancss/xrouter/lib/util"
)

// Peer message metadata keys.
const (
	metaAssets     = "assets"
	metaTransferID = "transferId"
	metaFrom       = "fromAccount"
	metaTo         = "toAccount"
	metaAsset      = "asset"
	metaAmount     = "amount"
	metaRecordID   = "recordId"
	metaStatus     = "status"
	metaReason     = "reason"
)

// Peer statuses.
const (
	PeerUnknown = "unknown"
	PeerOnline  = "online"
	PeerOffline = "offline"
)

// Peer is a router known to this one. Status is online while its last message is younger than the heartbeat
// staleness threshold, offline after, and unknown until it is heard of.
type Peer struct {
	ID       string            `json:"routerId"`
	Status   string            `json:"status"`
	State    string            `json:"state,omitempty"` // as reported by the peer
	LastSeen time.Time         `json:"lastSeen,omitempty"`
	Assets   []string          `json:"assets,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// registry of known peers.
type registry struct {
	clock     clockwork.Clock
	staleness time.Duration

	mu    sync.Mutex
	peers map[string]*Peer
}

func newRegistry(clock clockwork.Clock, staleness time.Duration) *registry {
	return &registry{clock: clock, staleness: staleness, peers: make(map[string]*Peer)}
}

func (g *registry) add(id string, metadata map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.peers[id]; ok {
		for k, v := range metadata {
			if p.Metadata == nil {
				p.Metadata = make(map[string]string)
			}

			p.Metadata[k] = v
		}

		return
	}

	g.peers[id] = &Peer{ID: id, Metadata: metadata}
}

func (g *registry) remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.peers[id]
	delete(g.peers, id)

	return ok
}

// seen records a message from id at the current time.
func (g *registry) seen(id, state string, assets []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peers[id]
	if !ok {
		p = &Peer{ID: id}
		g.peers[id] = p
	}

	p.LastSeen = g.clock.Now().UTC()
	p.State = state

	if assets != nil {
		p.Assets = assets
	}
}

func (g *registry) status(p *Peer) string {
	switch {
	case p.LastSeen.IsZero():
		return PeerUnknown
	case g.clock.Since(p.LastSeen) < g.staleness:
		return PeerOnline
	default:
		return PeerOffline
	}
}

// reachable reports whether id is a known peer that is not offline.
func (g *registry) reachable(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peers[id]

	return ok && g.status(p) != PeerOffline
}

func (g *registry) list() []Peer {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Peer, 0, len(g.peers))

	for _, p := range g.peers {
		c := *p
		c.Status = g.status(p)
		c.Assets = append([]string(nil), p.Assets...)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// AddPeer adds routerID to the known routers. Adding a known router merges its metadata.
func (r *Router) AddPeer(routerID string, metadata map[string]string) error {
	if routerID == "" || routerID == r.id {
		return errs.New(errs.Validation, "addPeer", "invalid peer router id %q", routerID)
	}

	r.peers.add(routerID, metadata)
	r.log.Info("peer added", "peer", routerID)

	return nil
}

// RemovePeer forgets routerID. It reports whether it was known.
func (r *Router) RemovePeer(routerID string) bool {
	ok := r.peers.remove(routerID)
	if ok {
		r.log.Info("peer removed", "peer", routerID)
	}

	return ok
}

// DiscoverRouters returns the known routers, sorted by id.
func (r *Router) DiscoverRouters() []Peer {
	return r.peers.list()
}

// send signs and publishes a peer message. An empty to is a broadcast.
func (r *Router) send(typ types.PeerMessageType, to string, metadata map[string]string) error {
	now := r.clock.Now().UTC()
	m := types.PeerMessage{
		ID:         "msg_" + uuid.NewString(),
		Type:       typ,
		FromRouter: r.id,
		ToRouter:   to,
		Payload: types.PeerPayload{
			RouterID:  r.id,
			Timestamp: now,
			Status:    string(r.peerStatus()),
			Metadata:  metadata,
		},
		Timestamp: now,
		TTL:       int64(r.cfg.PeerTTL.Seconds()),
	}
	m.Signature = r.signer.Sign(m.SigningFields()...)

	return r.mb.Publish(m)
}

// peerStatus is the status a router reports in its messages. It does not ping the store.
func (r *Router) peerStatus() HealthStatus {
	if !r.proc.Running() {
		return StatusDegraded
	}

	return StatusHealthy
}

// consume handles peer messages until ctx is done or the broker closes the subscription.
func (r *Router) consume(ctx context.Context, msgs <-chan types.PeerMessage, msgErrs <-chan error) {
	defer r.handlers.Done()

	r.log.Info("start listening to peer messages")

	for {
		select {
		case <-ctx.Done():
			r.log.Info("stop listening to peer messages")

			return
		case m, ok := <-msgs:
			if !ok {
				r.log.Info("peer message channel closed")

				return
			}

			r.handle(ctx, m)
		case err, ok := <-msgErrs:
			if !ok {
				msgErrs = nil

				continue
			}

			r.log.Warn("peer message error", "err", err)
		}
	}
}

// handle dispatches a peer message. Own broadcasts, messages for other routers, messages with a bad signature and
// expired messages are dropped.
func (r *Router) handle(ctx context.Context, m types.PeerMessage) {
	if m.FromRouter == r.id || (m.ToRouter != "" && m.ToRouter != r.id) {
		return
	}

	log := r.log.With("peer", m.FromRouter, "type", m.Type, "msg", m.ID)

	if m.Payload.RouterID != m.FromRouter || !r.signer.Verify(m.Signature, m.SigningFields()...) {
		log.Warn("dropping peer message with invalid signature")
		r.metrics.dropped("signature")

		return
	}

	if m.Expired(r.clock.Now()) {
		log.Debug("dropping expired peer message")
		r.metrics.dropped("expired")

		return
	}

	switch m.Type {
	case types.MsgHeartbeat:
		r.onHeartbeat(ctx, m)
	case types.MsgDiscovery:
		r.peers.seen(m.FromRouter, m.Payload.Status, nil)

		md := map[string]string{metaAssets: joinList(r.owned(ctx))}
		if err := r.send(types.MsgHeartbeat, m.FromRouter, md); err != nil {
			log.Warn("cannot answer discovery", "err", err)
		}
	case types.MsgConfirmationRequest:
		r.async(ctx, func(ctx context.Context) { r.onConfirmationRequest(ctx, m) })
	case types.MsgConfirmationResponse:
		r.async(ctx, func(ctx context.Context) { r.onConfirmationResponse(ctx, m) })
	default:
		log.Warn("unknown peer message type")
	}
}

func (r *Router) async(ctx context.Context, f func(ctx context.Context)) {
	r.handlers.Add(1)

	go func() {
		defer r.handlers.Done()
		f(ctx)
	}()
}

// onHeartbeat refreshes the peer and watches the assets it is primary of, then reassesses failover.
func (r *Router) onHeartbeat(ctx context.Context, m types.PeerMessage) {
	assets := splitList(m.Payload.Metadata[metaAssets])

	r.peers.seen(m.FromRouter, m.Payload.Status, assets)

	for _, a := range assets {
		r.auth.Watch(a)
	}

	r.reassess(ctx)
}

// owned returns the watched assets this router is primary of, without heartbeating them.
func (r *Router) owned(ctx context.Context) []string {
	var out []string

	for _, a := range r.auth.WatchedAssets() {
		if reg, err := r.auth.GetRegistration(ctx, a); err == nil && reg.PrimaryRouterID == r.id {
			out = append(out, a)
		}
	}

	return out
}

// waiter collects the answers of the routers asked to confirm a transfer.
type waiter struct {
	pending map[string]bool
	votes   chan vote
}

type vote struct {
	router   string
	approved bool
	reason   string
}

// confirm asks the other authorized routers of the asset of t to confirm it. It returns the first router whose
// confirmation record is verified, or the reason class and reason why none confirmed.
func (r *Router) confirm(ctx context.Context, t *types.Transfer, reg *authority.Registration) (string, string, string) {
	var candidates []string

	for _, id := range reg.Routers() {
		if id != r.id && r.peers.reachable(id) {
			candidates = append(candidates, id)
		}
	}

	if len(candidates) == 0 {
		return "", ReasonConfirmationDenied, "no other authorized router available for " + t.Asset.ID
	}

	timer := r.clock.NewTimer(r.cfg.DualTimeout.Duration)
	defer timer.Stop()

	w := &waiter{pending: make(map[string]bool, len(candidates)), votes: make(chan vote, len(candidates))}
	for _, id := range candidates {
		w.pending[id] = true
	}

	r.wmu.Lock()
	r.waiters[t.ID] = w
	r.wmu.Unlock()

	defer func() {
		r.wmu.Lock()
		delete(r.waiters, t.ID)
		r.wmu.Unlock()
	}()

	meta := map[string]string{
		metaTransferID: t.ID,
		metaFrom:       t.FromAccount.ID,
		metaTo:         t.ToAccount.ID,
		metaAsset:      t.Asset.ID,
		metaAmount:     t.Amount.String(),
	}

	for _, id := range candidates {
		if err := r.send(types.MsgConfirmationRequest, id, meta); err != nil {
			r.vote(t.ID, vote{router: id, reason: "cannot reach " + id})
		}
	}

	var reasons []string

	for {
		select {
		case v := <-w.votes:
			if v.approved {
				return v.router, "", ""
			}

			reasons = append(reasons, v.reason)
			if len(reasons) == len(candidates) {
				return "", ReasonConfirmationDenied, strings.Join(reasons, "; ")
			}
		case <-timer.Chan():
			return "", ReasonConfirmationTimeout, fmt.Sprintf("no confirmation from %s within %s",
				strings.Join(candidates, ", "), r.cfg.DualTimeout.Duration)
		case <-ctx.Done():
			return "", ReasonConfirmationTimeout, ctx.Err().Error()
		}
	}
}

// vote hands the answer of a router to the dual confirmation of transferID. Unexpected and repeated answers are
// ignored.
func (r *Router) vote(transferID string, v vote) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	w, ok := r.waiters[transferID]
	if !ok || !w.pending[v.router] {
		return
	}

	w.pending[v.router] = false
	w.votes <- v
}

// onConfirmationRequest writes the record of this router for the transfer of m, confirmed if it is authorized for
// the asset and rejected otherwise, and answers with it. A record written earlier for the transfer is the answer.
func (r *Router) onConfirmationRequest(ctx context.Context, m types.PeerMessage) {
	md := m.Payload.Metadata
	answer := map[string]string{metaTransferID: md[metaTransferID]}

	amount, ok := new(big.Int).SetString(md[metaAmount], 10)
	if md[metaTransferID] == "" || !ok {
		answer[metaStatus] = string(confirmation.StatusRejected)
		answer[metaReason] = "malformed confirmation request"
		r.reply(m.FromRouter, answer)

		return
	}

	t := &types.Transfer{
		ID:          md[metaTransferID],
		FromAccount: types.Ref{ID: md[metaFrom], Type: "account"},
		ToAccount:   types.Ref{ID: md[metaTo], Type: "account"},
		Asset:       types.Ref{ID: md[metaAsset], Type: "asset"},
		Amount:      amount,
		Status:      types.TransferPending,
	}

	status := confirmation.StatusConfirmed

	res := r.auth.ValidateAuthority(ctx, t.Asset.ID, r.id)
	if !res.Authorized {
		status = confirmation.StatusRejected
		answer[metaReason] = res.Reason
	}

	rec, err := r.records.CreateConfirmationRecord(ctx, t, status, "")
	if err != nil {
		r.log.Error("cannot write confirmation record for peer", "peer", m.FromRouter, "transfer", t.ID, "err", err)
		answer[metaStatus] = string(confirmation.StatusFailed)
		answer[metaReason] = "cannot persist confirmation"
		r.reply(m.FromRouter, answer)

		return
	}

	if rec.Status != status && answer[metaReason] == "" {
		answer[metaReason] = "transfer already " + string(rec.Status)
	}

	answer[metaRecordID] = rec.ID
	answer[metaStatus] = string(rec.Status)
	r.reply(m.FromRouter, answer)
}

func (r *Router) reply(to string, md map[string]string) {
	if err := r.send(types.MsgConfirmationResponse, to, md); err != nil {
		r.log.Warn("cannot answer confirmation request", "peer", to, "err", err)
	}
}

// onConfirmationResponse checks the record a peer claims to have written before counting it as an approval.
func (r *Router) onConfirmationResponse(ctx context.Context, m types.PeerMessage) {
	md := m.Payload.Metadata
	v := vote{router: m.FromRouter}

	if confirmation.Status(md[metaStatus]) == confirmation.StatusConfirmed {
		rec, err := r.records.LookupRecord(ctx, m.FromRouter, md[metaRecordID])
		if err == nil && rec.TransferID == md[metaTransferID] && rec.RouterID == m.FromRouter &&
			rec.Status == confirmation.StatusConfirmed && r.records.VerifyRecord(rec) {
			v.approved = true
		} else {
			v.reason = "unverifiable confirmation from " + m.FromRouter
		}
	} else {
		v.reason = fmt.Sprintf("%s %s: %s", m.FromRouter, md[metaStatus], md[metaReason])
	}

	r.vote(md[metaTransferID], v)
}

func joinList(ss []string) string {
	return strings.Join(ss, ",")
}

func splitList(s string) []string {
	if s == "" {
		return []string{}
	}

	return util.Dedupe(strings.Split(s, ","))
}
