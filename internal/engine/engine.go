// Package engine is the entry point of the sync engine: pull sync for clients,
// connection lifecycle for the transport, and post-commit hooks for the services.
package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/channels"
	"github.com/Dangere/syncora-backend/internal/delta"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/fanout"
	"github.com/Dangere/syncora-backend/internal/obs"
	"github.com/Dangere/syncora-backend/internal/registry"
	"github.com/Dangere/syncora-backend/internal/store"
)

// Transport is the channel primitive the engine drives.
type Transport interface {
	channels.Subscriber
	fanout.Sender
}

// Engine wires the registry, the channel manager, the delta layer and the dispatcher.
type Engine struct {
	store      store.Reader
	delta      *delta.Layer
	registry   *registry.Registry
	channels   *channels.Manager
	dispatcher *fanout.Dispatcher
	logger     *zap.Logger
}

type options struct {
	logger *zap.Logger
	skew   time.Duration
	clock  func() time.Time
}

// Option configures Engine.
type Option func(*options)

// WithLogger sets the logger shared by all engine components.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithCommitSkew is passed to the delta layer.
func WithCommitSkew(d time.Duration) Option { return func(o *options) { o.skew = d } }

// WithClock stamps push payloads with the given clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.clock = now } }

// New builds an engine over the store and transport.
func New(st store.Reader, transport Transport, opts ...Option) *Engine {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := registry.New()
	ch := channels.New(reg, transport, logger.Named("channels"))
	return &Engine{
		store:    st,
		delta:    delta.New(st, delta.WithCommitSkew(o.skew), delta.WithLogger(logger.Named("delta"))),
		registry: reg,
		channels: ch,
		dispatcher: fanout.New(st, ch, reg, transport,
			fanout.WithLogger(logger.Named("fanout")), fanout.WithClock(o.clock)),
		logger: logger,
	}
}

// Registry exposes the connection registry for diagnostics.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// PullSync returns everything accountID must apply since the given server timestamp.
func (e *Engine) PullSync(ctx context.Context, accountID string, since time.Time, includeTombstones bool) (domain.DeltaPayload, error) {
	start := time.Now()
	p, err := e.delta.Compute(ctx, accountID, since, includeTombstones)
	result := "ok"
	if err != nil {
		result = "error"
	}
	obs.ObservePull(result, time.Since(start))
	return p, err
}

// OnConnectionOpened registers the connection and joins it to every group the
// account can access. Access is read twice so a revoke that commits while the
// connection is being set up cannot leave a stale subscription behind.
func (e *Engine) OnConnectionOpened(ctx context.Context, accountID, connID string) error {
	e.registry.Add(accountID, connID)
	obs.SetLiveConnections(e.registry.Connections())

	groups, err := e.store.AccessibleGroupIDs(ctx, accountID)
	if err != nil {
		return domain.Infrastructure(err)
	}
	e.channels.SubscribeConnection(connID, groups)

	current, err := e.store.AccessibleGroupIDs(ctx, accountID)
	if err != nil {
		return domain.Infrastructure(err)
	}
	var stale, added []string
	for _, gid := range groups {
		if !slices.Contains(current, gid) {
			stale = append(stale, gid)
		}
	}
	for _, gid := range current {
		if !slices.Contains(groups, gid) {
			added = append(added, gid)
		}
	}
	e.channels.UnsubscribeConnection(connID, stale)
	e.channels.SubscribeConnection(connID, added)

	e.logger.Info("connection opened",
		zap.String("account_id", accountID), zap.String("conn_id", connID), zap.Int("groups", len(current)))
	return nil
}

// OnConnectionClosed forgets the connection.
func (e *Engine) OnConnectionClosed(accountID, connID string) {
	e.registry.Remove(accountID, connID)
	obs.SetLiveConnections(e.registry.Connections())
	e.logger.Info("connection closed", zap.String("account_id", accountID), zap.String("conn_id", connID))
}

func (e *Engine) OnGroupCreated(ctx context.Context, groupID string) {
	e.dispatcher.GroupCreated(ctx, groupID)
}

func (e *Engine) OnGroupUpdated(ctx context.Context, groupID string) {
	e.dispatcher.GroupUpdated(ctx, groupID)
}

func (e *Engine) OnGroupDeleted(ctx context.Context, groupID string) {
	e.dispatcher.GroupDeleted(ctx, groupID)
}

func (e *Engine) OnMembershipGranted(ctx context.Context, groupID, accountID string) {
	e.dispatcher.MembershipGranted(ctx, groupID, accountID)
}

func (e *Engine) OnMembershipRevoked(ctx context.Context, groupID, accountID string, clearedItemIDs []string) {
	e.dispatcher.MembershipRevoked(ctx, groupID, accountID, clearedItemIDs)
}

func (e *Engine) OnMembershipLeft(ctx context.Context, groupID, accountID string, clearedItemIDs []string) {
	e.dispatcher.MembershipLeft(ctx, groupID, accountID, clearedItemIDs)
}

func (e *Engine) OnWorkItemCreated(ctx context.Context, itemID string) {
	e.dispatcher.WorkItemCreated(ctx, itemID)
}

func (e *Engine) OnWorkItemUpdated(ctx context.Context, itemID string) {
	e.dispatcher.WorkItemUpdated(ctx, itemID)
}

func (e *Engine) OnWorkItemDeleted(ctx context.Context, itemID string) {
	e.dispatcher.WorkItemDeleted(ctx, itemID)
}

func (e *Engine) OnAccountUpdated(ctx context.Context, accountID string) {
	e.dispatcher.AccountUpdated(ctx, accountID)
}

// IsRetryable reports whether a PullSync error should be retried by the client.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrUnavailable)
}
