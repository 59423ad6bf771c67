// Package store defines the persistence contract of the sync engine and an
// in-memory implementation of it. The PostgreSQL implementation lives in store/pg.
package store

import (
	"context"
	"time"

	"github.com/Dangere/syncora-backend/internal/domain"
)

// DeltaQuery selects what a pull sync needs to read.
type DeltaQuery struct {
	AccountID  string
	Since      time.Time
	Tombstones bool
}

// DeltaRows is one consistent read for a pull sync. Groups holds every group the
// account can access; implementations may pre-filter members and work items to rows
// that satisfy the delta disjunctions but must not drop any row that does.
type DeltaRows struct {
	AsOf       time.Time
	Groups     []domain.GroupState
	Tombstones domain.Tombstones
}

// Reader is the read side used by the delta layer, the fan-out dispatcher and the services.
type Reader interface {
	// Delta reads everything a pull sync needs from one snapshot.
	Delta(ctx context.Context, q DeltaQuery) (DeltaRows, error)
	// AccessibleGroupIDs lists live groups the account owns or is an active member of.
	AccessibleGroupIDs(ctx context.Context, accountID string) ([]string, error)
	// GroupState returns a live group with owner, all active members and all live work items.
	GroupState(ctx context.Context, groupID string) (domain.GroupState, error)
	// Group returns a group even when soft-deleted.
	Group(ctx context.Context, groupID string) (domain.Group, error)
	// WorkItem returns a work item even when soft-deleted.
	WorkItem(ctx context.Context, itemID string) (domain.WorkItem, error)
	Account(ctx context.Context, accountID string) (domain.Account, error)
	// AccountByUsername matches case-insensitively.
	AccountByUsername(ctx context.Context, username string) (domain.Account, error)
	Ping(ctx context.Context) error
}

// Tx is one multi-statement mutation. Lock* reads hold their rows until the
// transaction ends.
type Tx interface {
	// Now returns the timestamp to stamp on rows written by this transaction.
	Now(ctx context.Context) (time.Time, error)

	// LockGroup returns a live group and all its membership rows, kicked ones included.
	LockGroup(ctx context.Context, groupID string) (domain.Group, []domain.Membership, error)
	// LockWorkItem returns a live work item.
	LockWorkItem(ctx context.Context, itemID string) (domain.WorkItem, error)
	Account(ctx context.Context, accountID string) (domain.Account, error)
	AccountByUsername(ctx context.Context, username string) (domain.Account, error)

	InsertAccount(ctx context.Context, a domain.Account) error
	UpdateAccount(ctx context.Context, a domain.Account) error

	InsertGroup(ctx context.Context, g domain.Group) error
	// UpdateGroup writes title, description, last_modified_at and deleted_at.
	UpdateGroup(ctx context.Context, g domain.Group) error

	// UpsertMembership (re)activates a membership and forgets any earlier departure.
	UpsertMembership(ctx context.Context, m domain.Membership) error
	KickMembership(ctx context.Context, groupID, accountID string, at time.Time) error
	// DeleteMembership removes the row and records a departure at the given time.
	DeleteMembership(ctx context.Context, groupID, accountID string, at time.Time) error
	// ClearAssignee removes accountID from every live work item of the group, clears
	// completed_by where it pointed at accountID, bumps those items and returns their ids.
	ClearAssignee(ctx context.Context, groupID, accountID string, at time.Time) ([]string, error)

	InsertWorkItem(ctx context.Context, w domain.WorkItem) error
	// UpdateWorkItem writes all mutable fields and replaces the assignee set.
	UpdateWorkItem(ctx context.Context, w domain.WorkItem) error
}

// Store is a Reader that can also run transactions.
type Store interface {
	Reader
	// WithTx runs fn in one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
