// Package payload assembles delta payloads: the merged pull sync response and
// the narrow event frames pushed after a mutation.
package payload

import (
	"cmp"
	"encoding/json"
	"slices"
	"time"

	"github.com/Dangere/syncora-backend/internal/domain"
)

// Builder merges entities into one payload, deduplicating by id. When the same
// entity is added twice the copy with the later LastModifiedAt wins.
type Builder struct {
	accounts map[string]domain.Account
	groups   map[string]domain.Group
	items    map[string]domain.WorkItem

	tombstones       bool
	groupsLeft       map[string]struct{}
	groupsDeleted    map[string]struct{}
	workItemsDeleted map[string]struct{}
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		accounts:         make(map[string]domain.Account),
		groups:           make(map[string]domain.Group),
		items:            make(map[string]domain.WorkItem),
		groupsLeft:       make(map[string]struct{}),
		groupsDeleted:    make(map[string]struct{}),
		workItemsDeleted: make(map[string]struct{}),
	}
}

// AddAccount merges a.
func (b *Builder) AddAccount(a domain.Account) *Builder {
	if prev, ok := b.accounts[a.ID]; !ok || a.LastModifiedAt.After(prev.LastModifiedAt) {
		b.accounts[a.ID] = a
	}
	return b
}

// AddGroup merges g.
func (b *Builder) AddGroup(g domain.Group) *Builder {
	if prev, ok := b.groups[g.ID]; !ok || g.LastModifiedAt.After(prev.LastModifiedAt) {
		b.groups[g.ID] = g
	}
	return b
}

// AddWorkItem merges w.
func (b *Builder) AddWorkItem(w domain.WorkItem) *Builder {
	if prev, ok := b.items[w.ID]; !ok || w.LastModifiedAt.After(prev.LastModifiedAt) {
		b.items[w.ID] = w
	}
	return b
}

// AddGroupState merges the group, its owner, every member account and every work item.
func (b *Builder) AddGroupState(s domain.GroupState) *Builder {
	b.AddGroup(s.Group)
	if s.Owner.ID != "" {
		b.AddAccount(s.Owner)
	}
	for _, m := range s.Members {
		b.AddAccount(m.Account)
	}
	for _, w := range s.WorkItems {
		b.AddWorkItem(w)
	}
	return b
}

// WithTombstones makes Build emit the tombstone block even when it is empty.
func (b *Builder) WithTombstones() *Builder {
	b.tombstones = true
	return b
}

// GroupsLeft records groups the recipient no longer has access to.
func (b *Builder) GroupsLeft(ids ...string) *Builder {
	b.tombstones = true
	addAll(b.groupsLeft, ids)
	return b
}

// GroupsDeleted records soft-deleted groups.
func (b *Builder) GroupsDeleted(ids ...string) *Builder {
	b.tombstones = true
	addAll(b.groupsDeleted, ids)
	return b
}

// WorkItemsDeleted records soft-deleted work items.
func (b *Builder) WorkItemsDeleted(ids ...string) *Builder {
	b.tombstones = true
	addAll(b.workItemsDeleted, ids)
	return b
}

// Build emits the payload stamped with asOf. Lists are ordered by creation time,
// ties broken by id, so equal inputs always encode identically.
func (b *Builder) Build(asOf time.Time) domain.DeltaPayload {
	p := domain.DeltaPayload{
		Timestamp: asOf.UTC(),
		Accounts:  make([]domain.Account, 0, len(b.accounts)),
		Groups:    make([]domain.Group, 0, len(b.groups)),
		WorkItems: make([]domain.WorkItem, 0, len(b.items)),
	}
	for _, a := range b.accounts {
		p.Accounts = append(p.Accounts, a)
	}
	for _, g := range b.groups {
		g.MemberIDs = sortedCopy(g.MemberIDs)
		p.Groups = append(p.Groups, g)
	}
	for _, w := range b.items {
		w.AssigneeIDs = sortedCopy(w.AssigneeIDs)
		p.WorkItems = append(p.WorkItems, w)
	}
	slices.SortFunc(p.Accounts, func(x, y domain.Account) int { return byCreation(x.CreatedAt, y.CreatedAt, x.ID, y.ID) })
	slices.SortFunc(p.Groups, func(x, y domain.Group) int { return byCreation(x.CreatedAt, y.CreatedAt, x.ID, y.ID) })
	slices.SortFunc(p.WorkItems, func(x, y domain.WorkItem) int { return byCreation(x.CreatedAt, y.CreatedAt, x.ID, y.ID) })

	if b.tombstones {
		p.Tombstones = &domain.Tombstones{
			GroupsLeft:       keys(b.groupsLeft),
			GroupsDeleted:    keys(b.groupsDeleted),
			WorkItemsDeleted: keys(b.workItemsDeleted),
		}
	}
	return p
}

func byCreation(a, b time.Time, idA, idB string) int {
	if c := a.Compare(b); c != 0 {
		return c
	}
	return cmp.Compare(idA, idB)
}

func addAll(set map[string]struct{}, ids []string) {
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	slices.Sort(out)
	return out
}

// Event kinds carried in push frames.
const (
	KindAccessGranted   = "access.granted"
	KindAccessLost      = "access.lost"
	KindMemberJoined    = "member.joined"
	KindMemberRemoved   = "member.removed"
	KindGroupCreated    = "group.created"
	KindGroupUpdated    = "group.updated"
	KindGroupDeleted    = "group.deleted"
	KindWorkItemCreated = "work_item.created"
	KindWorkItemUpdated = "work_item.updated"
	KindWorkItemDeleted = "work_item.deleted"
	KindAccountUpdated  = "account.updated"
)

// Event is one push frame.
type Event struct {
	Kind    string              `json:"event"`
	Payload domain.DeltaPayload `json:"payload"`
}

// Encode serializes an event frame.
func Encode(kind string, p domain.DeltaPayload) ([]byte, error) {
	return json.Marshal(Event{Kind: kind, Payload: p})
}

// GroupSnapshot is the full view handed to an account that just gained access.
func GroupSnapshot(asOf time.Time, s domain.GroupState) domain.DeltaPayload {
	return NewBuilder().AddGroupState(s).Build(asOf)
}

// GroupChanged carries a group plus any accounts that came with the change.
func GroupChanged(asOf time.Time, g domain.Group, accounts ...domain.Account) domain.DeltaPayload {
	b := NewBuilder().AddGroup(g)
	for _, a := range accounts {
		b.AddAccount(a)
	}
	return b.Build(asOf)
}

// GroupAndItems carries a group with the work items a change touched.
func GroupAndItems(asOf time.Time, g domain.Group, items []domain.WorkItem) domain.DeltaPayload {
	b := NewBuilder().AddGroup(g)
	for _, w := range items {
		b.AddWorkItem(w)
	}
	return b.Build(asOf)
}

// WorkItemChanged carries one work item.
func WorkItemChanged(asOf time.Time, w domain.WorkItem) domain.DeltaPayload {
	return NewBuilder().AddWorkItem(w).Build(asOf)
}

// AccountChanged carries one account.
func AccountChanged(asOf time.Time, a domain.Account) domain.DeltaPayload {
	return NewBuilder().AddAccount(a).Build(asOf)
}

// AccessLost tells an account to drop a group it was removed from.
func AccessLost(asOf time.Time, groupID string) domain.DeltaPayload {
	return NewBuilder().GroupsLeft(groupID).Build(asOf)
}

// GroupDeleted tells members to drop a deleted group.
func GroupDeleted(asOf time.Time, groupID string) domain.DeltaPayload {
	return NewBuilder().GroupsDeleted(groupID).Build(asOf)
}

// WorkItemDeleted tells members to drop a deleted work item.
func WorkItemDeleted(asOf time.Time, itemID string) domain.DeltaPayload {
	return NewBuilder().WorkItemsDeleted(itemID).Build(asOf)
}
