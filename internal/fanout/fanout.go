// Package fanout pushes narrow event payloads to live connections after a
// mutation has committed. Every step is best-effort: failures are logged and
// counted, never returned, because pull sync will reconcile the client.
package fanout

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/channels"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/obs"
	"github.com/Dangere/syncora-backend/internal/payload"
	"github.com/Dangere/syncora-backend/internal/registry"
	"github.com/Dangere/syncora-backend/internal/store"
	"github.com/Dangere/syncora-backend/internal/stream"
)

// Sender is the delivery part of the transport.
type Sender interface {
	SendToChannel(channel string, frame []byte, except ...string) stream.Delivery
	SendToAccount(accountID string, frame []byte) stream.Delivery
}

// Dispatcher decides who receives which event.
type Dispatcher struct {
	store     store.Reader
	channels  *channels.Manager
	registry  *registry.Registry
	transport Sender
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the clock used to stamp push payloads.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New wires a dispatcher.
func New(r store.Reader, ch *channels.Manager, reg *registry.Registry, transport Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     r,
		channels:  ch,
		registry:  reg,
		transport: transport,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// GroupCreated hands the new group to its owner and subscribes the owner's connections.
func (d *Dispatcher) GroupCreated(ctx context.Context, groupID string) {
	ctx = context.WithoutCancel(ctx)
	s, err := d.store.GroupState(ctx, groupID)
	if err != nil {
		d.readFailed(payload.KindGroupCreated, err, zap.String("group_id", groupID))
		return
	}
	d.toAccount(payload.KindGroupCreated, s.Group.OwnerID, payload.GroupSnapshot(d.now(), s))
	d.subscribe(ctx, payload.KindGroupCreated, s.Group.OwnerID, groupID)
}

// GroupUpdated broadcasts the group's new fields.
func (d *Dispatcher) GroupUpdated(ctx context.Context, groupID string) {
	ctx = context.WithoutCancel(ctx)
	g, err := d.store.Group(ctx, groupID)
	if err != nil {
		d.readFailed(payload.KindGroupUpdated, err, zap.String("group_id", groupID))
		return
	}
	if g.Deleted() {
		return
	}
	d.toChannel(payload.KindGroupUpdated, groupID, payload.GroupChanged(d.now(), g))
}

// GroupDeleted broadcasts the tombstone, then detaches the owner and every member.
func (d *Dispatcher) GroupDeleted(ctx context.Context, groupID string) {
	ctx = context.WithoutCancel(ctx)
	d.toChannel(payload.KindGroupDeleted, groupID, payload.GroupDeleted(d.now(), groupID))

	g, err := d.store.Group(ctx, groupID)
	if err != nil {
		d.readFailed(payload.KindGroupDeleted, err, zap.String("group_id", groupID))
		return
	}
	d.channels.DissolveGroup(groupID, append([]string{g.OwnerID}, g.MemberIDs...))
}

// MembershipGranted sends the grantee the full group, tells existing members
// about the newcomer, then subscribes the grantee. The private payload is queued
// before the subscription so the grantee does not also get the member broadcast.
// Hooks of a grant and a later revoke may run in either order, so a grant whose
// member is already gone from the group is dropped.
func (d *Dispatcher) MembershipGranted(ctx context.Context, groupID, accountID string) {
	ctx = context.WithoutCancel(ctx)
	s, err := d.store.GroupState(ctx, groupID)
	if err != nil {
		d.readFailed(payload.KindAccessGranted, err, zap.String("group_id", groupID), zap.String("account_id", accountID))
		return
	}
	var joined []domain.Account
	for _, m := range s.Members {
		if m.AccountID == accountID {
			joined = append(joined, m.Account)
		}
	}
	if len(joined) == 0 {
		obs.CountPush(payload.KindAccessGranted, "superseded")
		d.logger.Debug("grant superseded", zap.String("group_id", groupID), zap.String("account_id", accountID))
		return
	}

	now := d.now()
	d.toAccount(payload.KindAccessGranted, accountID, payload.GroupSnapshot(now, s))
	d.toChannel(payload.KindMemberJoined, groupID, payload.GroupChanged(now, s.Group, joined...), d.registry.List(accountID)...)
	d.subscribe(ctx, payload.KindAccessGranted, accountID, groupID)
}

// subscribe joins the account's connections to the group channel, then reads
// access again. A removal that finished in between has already unsubscribed
// everyone, so the account is detached here and told it lost access. A failed
// read also detaches: pull sync restores what the push missed.
func (d *Dispatcher) subscribe(ctx context.Context, kind, accountID, groupID string) {
	d.channels.SubscribeAccountToGroup(accountID, groupID)

	current, err := d.store.AccessibleGroupIDs(ctx, accountID)
	if err != nil {
		d.readFailed(kind, err, zap.String("group_id", groupID), zap.String("account_id", accountID))
		d.channels.UnsubscribeAccountFromGroup(accountID, groupID)
		return
	}
	if slices.Contains(current, groupID) {
		return
	}
	d.channels.UnsubscribeAccountFromGroup(accountID, groupID)
	d.toAccount(payload.KindAccessLost, accountID, payload.AccessLost(d.now(), groupID))
}

// MembershipRevoked handles an owner removing a member.
func (d *Dispatcher) MembershipRevoked(ctx context.Context, groupID, accountID string, clearedItemIDs []string) {
	d.removed(ctx, groupID, accountID, clearedItemIDs)
}

// MembershipLeft handles a member leaving on their own.
func (d *Dispatcher) MembershipLeft(ctx context.Context, groupID, accountID string, clearedItemIDs []string) {
	d.removed(ctx, groupID, accountID, clearedItemIDs)
}

// removed tells the account it lost access, shows the remaining members the
// updated group and the work items that lost an assignee, then unsubscribes.
// The removed account's connections are excluded from the group broadcast.
func (d *Dispatcher) removed(ctx context.Context, groupID, accountID string, clearedItemIDs []string) {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	d.toAccount(payload.KindAccessLost, accountID, payload.AccessLost(now, groupID))

	if s, err := d.store.GroupState(ctx, groupID); err != nil {
		d.readFailed(payload.KindMemberRemoved, err, zap.String("group_id", groupID), zap.String("account_id", accountID))
	} else {
		var cleared []domain.WorkItem
		for _, w := range s.WorkItems {
			if slices.Contains(clearedItemIDs, w.ID) {
				cleared = append(cleared, w)
			}
		}
		d.toChannel(payload.KindMemberRemoved, groupID, payload.GroupAndItems(now, s.Group, cleared), d.registry.List(accountID)...)
	}
	d.channels.UnsubscribeAccountFromGroup(accountID, groupID)
}

// WorkItemCreated broadcasts a new work item.
func (d *Dispatcher) WorkItemCreated(ctx context.Context, itemID string) {
	d.workItemChanged(ctx, payload.KindWorkItemCreated, itemID)
}

// WorkItemUpdated broadcasts an edited work item.
func (d *Dispatcher) WorkItemUpdated(ctx context.Context, itemID string) {
	d.workItemChanged(ctx, payload.KindWorkItemUpdated, itemID)
}

func (d *Dispatcher) workItemChanged(ctx context.Context, kind, itemID string) {
	ctx = context.WithoutCancel(ctx)
	w, err := d.store.WorkItem(ctx, itemID)
	if err != nil {
		d.readFailed(kind, err, zap.String("work_item_id", itemID))
		return
	}
	if w.Deleted() {
		return
	}
	d.toChannel(kind, w.GroupID, payload.WorkItemChanged(d.now(), w))
}

// WorkItemDeleted broadcasts the work item tombstone.
func (d *Dispatcher) WorkItemDeleted(ctx context.Context, itemID string) {
	ctx = context.WithoutCancel(ctx)
	w, err := d.store.WorkItem(ctx, itemID)
	if err != nil {
		d.readFailed(payload.KindWorkItemDeleted, err, zap.String("work_item_id", itemID))
		return
	}
	d.toChannel(payload.KindWorkItemDeleted, w.GroupID, payload.WorkItemDeleted(d.now(), itemID))
}

// AccountUpdated sends the new profile to the account's own connections and to
// every group it belongs to.
func (d *Dispatcher) AccountUpdated(ctx context.Context, accountID string) {
	ctx = context.WithoutCancel(ctx)
	a, err := d.store.Account(ctx, accountID)
	if err != nil {
		d.readFailed(payload.KindAccountUpdated, err, zap.String("account_id", accountID))
		return
	}
	p := payload.AccountChanged(d.now(), a)
	d.toAccount(payload.KindAccountUpdated, accountID, p)

	groups, err := d.store.AccessibleGroupIDs(ctx, accountID)
	if err != nil {
		d.readFailed(payload.KindAccountUpdated, err, zap.String("account_id", accountID))
		return
	}
	own := d.registry.List(accountID)
	for _, gid := range groups {
		d.toChannel(payload.KindAccountUpdated, gid, p, own...)
	}
}

func (d *Dispatcher) toChannel(kind, groupID string, p domain.DeltaPayload, except ...string) {
	frame, ok := d.encode(kind, p)
	if !ok {
		return
	}
	d.record(kind, d.transport.SendToChannel(stream.GroupChannel(groupID), frame, except...),
		zap.String("group_id", groupID))
}

func (d *Dispatcher) toAccount(kind, accountID string, p domain.DeltaPayload) {
	frame, ok := d.encode(kind, p)
	if !ok {
		return
	}
	d.record(kind, d.transport.SendToAccount(accountID, frame), zap.String("account_id", accountID))
}

func (d *Dispatcher) encode(kind string, p domain.DeltaPayload) ([]byte, bool) {
	frame, err := payload.Encode(kind, p)
	if err != nil {
		obs.CountPush(kind, "encode_error")
		d.logger.Error("encode push frame", zap.String("event", kind), zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (d *Dispatcher) record(kind string, del stream.Delivery, target zap.Field) {
	obs.CountDropped(del.Dropped)
	result := "delivered"
	switch {
	case del.Delivered == 0 && del.Dropped == 0:
		result = "no_listeners"
	case del.Dropped > 0:
		result = "partial"
	}
	obs.CountPush(kind, result)
	d.logger.Debug("push", zap.String("event", kind), target,
		zap.Int("delivered", del.Delivered), zap.Int("dropped", del.Dropped))
}

func (d *Dispatcher) readFailed(kind string, err error, fields ...zap.Field) {
	obs.CountPush(kind, "read_error")
	d.logger.Warn("push skipped", append(fields, zap.String("event", kind), zap.Error(err))...)
}
