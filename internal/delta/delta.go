// Package delta computes what a client must change in its cache since a
// timestamp it last received from the server.
package delta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/payload"
	"github.com/Dangere/syncora-backend/internal/store"
)

// Layer turns one consistent store read into a DeltaPayload.
type Layer struct {
	store  store.Reader
	skew   time.Duration
	logger *zap.Logger
}

// Option configures Layer.
type Option func(*Layer)

// WithCommitSkew lowers the returned as-of timestamp by d so that writes which
// commit while a pull is reading are picked up by the next pull.
func WithCommitSkew(d time.Duration) Option {
	return func(l *Layer) {
		if d > 0 {
			l.skew = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Layer) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns a delta layer reading from r.
func New(r store.Reader, opts ...Option) *Layer {
	l := &Layer{store: r, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Compute returns every entity visible to accountID that changed strictly after
// since, plus tombstones when requested. An account with no groups gets an empty
// payload. The only failure mode is ErrUnavailable.
func (l *Layer) Compute(ctx context.Context, accountID string, since time.Time, includeTombstones bool) (domain.DeltaPayload, error) {
	since = since.UTC()
	rows, err := l.store.Delta(ctx, store.DeltaQuery{
		AccountID:  accountID,
		Since:      since,
		Tombstones: includeTombstones,
	})
	if err != nil {
		l.logger.Warn("delta read failed", zap.String("account_id", accountID), zap.Error(err))
		if errors.Is(err, domain.ErrUnavailable) {
			return domain.DeltaPayload{}, err
		}
		return domain.DeltaPayload{}, fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}

	b := payload.NewBuilder()
	for _, s := range rows.Groups {
		Collect(b, s, since)
	}
	if includeTombstones {
		b.WithTombstones().
			GroupsLeft(rows.Tombstones.GroupsLeft...).
			GroupsDeleted(rows.Tombstones.GroupsDeleted...).
			WorkItemsDeleted(rows.Tombstones.WorkItemsDeleted...)
	}

	asOf := rows.AsOf.Add(-l.skew)
	if asOf.Before(since) {
		asOf = since
	}
	return b.Build(asOf), nil
}

// Collect adds the parts of one accessible group that changed after since.
// A touched group re-surfaces its owner, all active members and all live work
// items so a client seeing the group for the first time gets all of it.
func Collect(b *payload.Builder, s domain.GroupState, since time.Time) {
	touched := s.Group.LastModifiedAt.After(since)
	if touched {
		b.AddGroup(s.Group)
	}
	if s.Owner.ID != "" && (touched || s.Owner.LastModifiedAt.After(since)) {
		b.AddAccount(s.Owner)
	}
	for _, m := range s.Members {
		if !m.Active() {
			continue
		}
		if touched || m.JoinedAt.After(since) || m.Account.LastModifiedAt.After(since) {
			b.AddAccount(m.Account)
		}
	}
	for _, w := range s.WorkItems {
		if w.Deleted() {
			continue
		}
		if touched || w.LastModifiedAt.After(since) {
			b.AddWorkItem(w)
		}
	}
}
