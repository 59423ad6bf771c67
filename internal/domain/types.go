package domain

import (
	"slices"
	"time"
)

// Account is a user profile as seen by sync clients.
type Account struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Username          string    `json:"username"`
	FirstName         string    `json:"first_name"`
	LastName          string    `json:"last_name"`
	Role              string    `json:"role"`
	ProfilePictureURL string    `json:"profile_picture_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastModifiedAt    time.Time `json:"last_modified_at"`
}

// Group is a collaborative container owned by one account.
type Group struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	OwnerID        string     `json:"owner_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	// MemberIDs lists current (non-kicked) members, owner excluded.
	MemberIDs []string `json:"member_ids"`
}

// Deleted reports whether the group is soft-deleted.
func (g Group) Deleted() bool { return g.DeletedAt != nil }

// Membership links an account to a group it does not own.
type Membership struct {
	GroupID   string     `json:"group_id"`
	AccountID string     `json:"account_id"`
	JoinedAt  time.Time  `json:"joined_at"`
	KickedAt  *time.Time `json:"kicked_at,omitempty"`
}

// Active reports whether the membership grants access.
func (m Membership) Active() bool { return m.KickedAt == nil }

// WorkItem is a task owned by a group.
type WorkItem struct {
	ID             string     `json:"id"`
	GroupID        string     `json:"group_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	AssigneeIDs    []string   `json:"assignee_ids"`
	CompletedBy    string     `json:"completed_by,omitempty"`
}

// Deleted reports whether the item is soft-deleted.
func (w WorkItem) Deleted() bool { return w.DeletedAt != nil }

// AssignedTo reports whether accountID is among the assignees.
func (w WorkItem) AssignedTo(accountID string) bool {
	return slices.Contains(w.AssigneeIDs, accountID)
}

// Member is an active membership joined with its account row.
type Member struct {
	Membership
	Account Account
}

// GroupState is a group together with its owner, active members and live work items.
// Depending on the source, Members and WorkItems may be pre-filtered to rows that
// could have changed; Group.MemberIDs is always complete.
type GroupState struct {
	Group     Group
	Owner     Account
	Members   []Member
	WorkItems []WorkItem
}

// Tombstones carry ids the client must drop from its cache.
type Tombstones struct {
	GroupsLeft       []string `json:"groups_left"`
	GroupsDeleted    []string `json:"groups_deleted"`
	WorkItemsDeleted []string `json:"work_items_deleted"`
}

// Empty reports whether no ids are present.
func (t Tombstones) Empty() bool {
	return len(t.GroupsLeft) == 0 && len(t.GroupsDeleted) == 0 && len(t.WorkItemsDeleted) == 0
}

// DeltaPayload is both the pull sync response and the push frame body.
// Timestamp is the value the client sends back as "since" on its next pull.
type DeltaPayload struct {
	Timestamp  time.Time   `json:"timestamp"`
	Accounts   []Account   `json:"accounts"`
	Groups     []Group     `json:"groups"`
	WorkItems  []WorkItem  `json:"work_items"`
	Tombstones *Tombstones `json:"tombstones,omitempty"`
}

// Empty reports whether the payload carries no entities and no tombstones.
func (p DeltaPayload) Empty() bool {
	return len(p.Accounts) == 0 && len(p.Groups) == 0 && len(p.WorkItems) == 0 &&
		(p.Tombstones == nil || p.Tombstones.Empty())
}
