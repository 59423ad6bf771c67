// Package service implements the mutations clients perform on accounts, groups
// and work items. Every mutation checks access first, then validates fields,
// commits in one transaction, and only then notifies the sync engine.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/audit"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/store"
)

// Notifier receives post-commit hooks.
type Notifier interface {
	OnGroupCreated(ctx context.Context, groupID string)
	OnGroupUpdated(ctx context.Context, groupID string)
	OnGroupDeleted(ctx context.Context, groupID string)
	OnMembershipGranted(ctx context.Context, groupID, accountID string)
	OnMembershipRevoked(ctx context.Context, groupID, accountID string, clearedItemIDs []string)
	OnMembershipLeft(ctx context.Context, groupID, accountID string, clearedItemIDs []string)
	OnWorkItemCreated(ctx context.Context, itemID string)
	OnWorkItemUpdated(ctx context.Context, itemID string)
	OnWorkItemDeleted(ctx context.Context, itemID string)
	OnAccountUpdated(ctx context.Context, accountID string)
}

// Service runs mutations against the store.
type Service struct {
	store  store.Store
	notify Notifier
	logger *zap.Logger
}

// Option configures Service.
type Option func(*Service)

// WithLogger sets the logger used for audit entries.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a service. A nil notifier disables push notifications.
func New(st store.Store, n Notifier, opts ...Option) *Service {
	if n == nil {
		n = nopNotifier{}
	}
	s := &Service{store: st, notify: n, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) audit(ctx context.Context, event string, fields ...zap.Field) {
	if err := audit.LogEvent(ctx, s.logger, event, fields...); err != nil {
		s.logger.Warn("audit log failed", zap.String("event", event), zap.Error(err))
	}
}

// stamp keeps modification times strictly increasing even if the clock steps
// back. The step matches the store's microsecond precision.
func stamp(now time.Time, prev ...time.Time) time.Time {
	now = now.UTC()
	for _, p := range prev {
		if !now.After(p) {
			now = p.UTC().Add(time.Microsecond)
		}
	}
	return now
}

type nopNotifier struct{}

func (nopNotifier) OnGroupCreated(context.Context, string)                        {}
func (nopNotifier) OnGroupUpdated(context.Context, string)                        {}
func (nopNotifier) OnGroupDeleted(context.Context, string)                        {}
func (nopNotifier) OnMembershipGranted(context.Context, string, string)           {}
func (nopNotifier) OnMembershipRevoked(context.Context, string, string, []string) {}
func (nopNotifier) OnMembershipLeft(context.Context, string, string, []string)    {}
func (nopNotifier) OnWorkItemCreated(context.Context, string)                     {}
func (nopNotifier) OnWorkItemUpdated(context.Context, string)                     {}
func (nopNotifier) OnWorkItemDeleted(context.Context, string)                     {}
func (nopNotifier) OnAccountUpdated(context.Context, string)                      {}

func wrap(err error) error { return domain.Infrastructure(err) }
