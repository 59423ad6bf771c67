// Package access decides how an account relates to a group and which
// mutations that relation permits.
package access

import (
	"github.com/Dangere/syncora-backend/internal/domain"
)

// Relation is an account's standing in a group.
type Relation int

const (
	NoAccess Relation = iota
	Member
	Owner
)

func (r Relation) String() string {
	switch r {
	case Owner:
		return "owner"
	case Member:
		return "member"
	default:
		return "no_access"
	}
}

// Action is an operation on a group or its work items.
type Action int

const (
	Read Action = iota
	EditGroup
	DeleteGroup
	ManageMembers
	Leave
	CreateWorkItem
	DeleteWorkItem
)

var actionNames = map[Action]string{
	Read:           "read",
	EditGroup:      "edit group",
	DeleteGroup:    "delete group",
	ManageMembers:  "manage members",
	Leave:          "leave",
	CreateWorkItem: "create work item",
	DeleteWorkItem: "delete work item",
}

func (a Action) String() string { return actionNames[a] }

// Classify returns Owner when accountID owns g, Member when one of memberships is an
// active membership of accountID in g, and NoAccess otherwise.
func Classify(g domain.Group, memberships []domain.Membership, accountID string) Relation {
	if accountID == "" {
		return NoAccess
	}
	if g.OwnerID == accountID {
		return Owner
	}
	for _, m := range memberships {
		if m.GroupID == g.ID && m.AccountID == accountID && m.Active() {
			return Member
		}
	}
	return NoAccess
}

// Authorize checks a group-level action. Work item edits go through AuthorizeWorkItemEdit.
func Authorize(rel Relation, action Action) error {
	switch rel {
	case Owner:
		if action == Leave {
			return domain.Errorf(domain.ErrForbidden, "the owner cannot leave their own group")
		}
		return nil
	case Member:
		if action == Read || action == Leave {
			return nil
		}
		return domain.Errorf(domain.ErrForbidden, "members may not %s", action)
	default:
		return domain.Errorf(domain.ErrForbidden, "no access to group")
	}
}

// WorkItemEdit lists which fields of a work item a mutation touches.
type WorkItemEdit struct {
	Title       bool
	Description bool
	Assignees   bool
	Completion  bool
}

// OnlyCompletion reports whether the edit is restricted to completion state.
func (e WorkItemEdit) OnlyCompletion() bool {
	return e.Completion && !e.Title && !e.Description && !e.Assignees
}

// AuthorizeWorkItemEdit lets owners edit anything. Members may only toggle completion,
// and only on items assigned to them.
func AuthorizeWorkItemEdit(rel Relation, item domain.WorkItem, accountID string, edit WorkItemEdit) error {
	switch rel {
	case Owner:
		return nil
	case Member:
		if !edit.OnlyCompletion() {
			return domain.Errorf(domain.ErrForbidden, "members may only change completion state")
		}
		if !item.AssignedTo(accountID) {
			return domain.Errorf(domain.ErrForbidden, "work item is not assigned to you")
		}
		return nil
	default:
		return domain.Errorf(domain.ErrForbidden, "no access to group")
	}
}
