package service

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/access"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/ids"
	"github.com/Dangere/syncora-backend/internal/store"
)

// NewWorkItem is the input of CreateWorkItem.
type NewWorkItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AssigneeIDs []string `json:"assignee_ids"`
}

// WorkItemPatch changes the non-nil fields of a work item. Completed toggles
// completion; marking complete records the actor as CompletedBy.
type WorkItemPatch struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	AssigneeIDs *[]string `json:"assignee_ids"`
	Completed   *bool     `json:"completed"`
}

func (p WorkItemPatch) edit() access.WorkItemEdit {
	return access.WorkItemEdit{
		Title:       p.Title != nil,
		Description: p.Description != nil,
		Assignees:   p.AssigneeIDs != nil,
		Completion:  p.Completed != nil,
	}
}

// assignees validates that every id is an active member and returns a sorted set.
func assignees(ms []domain.Membership, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, id := range in {
		if _, ok := activeMember(ms, id); !ok {
			return nil, domain.Errorf(domain.ErrValidation, "assignee %q is not a member of the group", id)
		}
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// ListWorkItems returns the live work items of a group the actor can read.
// A non-zero since keeps only items modified strictly after it.
func (s *Service) ListWorkItems(ctx context.Context, actorID, groupID string, since time.Time) ([]domain.WorkItem, error) {
	st, err := s.GetGroup(ctx, actorID, groupID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WorkItem, 0, len(st.WorkItems))
	for _, w := range st.WorkItems {
		if since.IsZero() || w.LastModifiedAt.After(since) {
			out = append(out, w)
		}
	}
	return out, nil
}

// GetWorkItem returns one live work item of a group the actor can read.
func (s *Service) GetWorkItem(ctx context.Context, actorID, itemID string) (domain.WorkItem, error) {
	groupID, err := s.itemGroup(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, wrap(err)
	}
	st, err := s.GetGroup(ctx, actorID, groupID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, w := range st.WorkItems {
		if w.ID == itemID {
			return w, nil
		}
	}
	return domain.WorkItem{}, domain.Errorf(domain.ErrNotFound, "work item %s", itemID)
}

// CreateWorkItem adds a work item to a group. Only the owner may do this.
func (s *Service) CreateWorkItem(ctx context.Context, actorID, groupID string, in NewWorkItem) (domain.WorkItem, error) {
	var w domain.WorkItem
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(g, ms, actorID), access.CreateWorkItem); err != nil {
			return err
		}
		title, err := domain.NormalizeTitle(in.Title)
		if err != nil {
			return err
		}
		desc, err := domain.NormalizeDescription(in.Description)
		if err != nil {
			return err
		}
		set, err := assignees(ms, in.AssigneeIDs)
		if err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		at := stamp(now)
		w = domain.WorkItem{
			ID:             ids.New(),
			GroupID:        groupID,
			Title:          title,
			Description:    desc,
			CreatedAt:      at,
			LastModifiedAt: at,
			AssigneeIDs:    set,
		}
		return tx.InsertWorkItem(ctx, w)
	})
	if err != nil {
		return domain.WorkItem{}, wrap(err)
	}
	s.audit(ctx, "work_item.created", zap.String("group_id", groupID), zap.String("work_item_id", w.ID))
	s.notify.OnWorkItemCreated(ctx, w.ID)
	return w, nil
}

// itemGroup finds the group an item belongs to so the group can be locked
// before the item, the same order every membership mutation uses.
func (s *Service) itemGroup(ctx context.Context, itemID string) (string, error) {
	w, err := s.store.WorkItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	return w.GroupID, nil
}

func lockItem(ctx context.Context, tx store.Tx, groupID, itemID string) (domain.Group, []domain.Membership, domain.WorkItem, error) {
	g, ms, err := tx.LockGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, nil, domain.WorkItem{}, err
	}
	w, err := tx.LockWorkItem(ctx, itemID)
	if err != nil {
		return domain.Group{}, nil, domain.WorkItem{}, err
	}
	if w.GroupID != groupID {
		return domain.Group{}, nil, domain.WorkItem{}, domain.Errorf(domain.ErrNotFound, "work item %s", itemID)
	}
	return g, ms, w, nil
}

// UpdateWorkItem applies a patch. Owners may change anything; members may only
// toggle completion on items assigned to them.
func (s *Service) UpdateWorkItem(ctx context.Context, actorID, itemID string, patch WorkItemPatch) (domain.WorkItem, error) {
	groupID, err := s.itemGroup(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, wrap(err)
	}
	var w domain.WorkItem
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, cur, err := lockItem(ctx, tx, groupID, itemID)
		if err != nil {
			return err
		}
		edit := patch.edit()
		if err := access.AuthorizeWorkItemEdit(access.Classify(g, ms, actorID), cur, actorID, edit); err != nil {
			return err
		}
		if edit == (access.WorkItemEdit{}) {
			return domain.Errorf(domain.ErrValidation, "nothing to update")
		}

		next := cur
		next.AssigneeIDs = slices.Clone(cur.AssigneeIDs)
		if patch.Title != nil {
			if next.Title, err = domain.NormalizeTitle(*patch.Title); err != nil {
				return err
			}
		}
		if patch.Description != nil {
			if next.Description, err = domain.NormalizeDescription(*patch.Description); err != nil {
				return err
			}
		}
		if patch.AssigneeIDs != nil {
			if next.AssigneeIDs, err = assignees(ms, *patch.AssigneeIDs); err != nil {
				return err
			}
		}
		if patch.Completed != nil {
			switch {
			case *patch.Completed && cur.CompletedBy == "":
				next.CompletedBy = actorID
			case !*patch.Completed:
				next.CompletedBy = ""
			}
		}

		if !workItemChanged(cur, next) {
			return domain.Errorf(domain.ErrConflict, "work item details are the same")
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		next.LastModifiedAt = stamp(now, cur.LastModifiedAt)
		if err := tx.UpdateWorkItem(ctx, next); err != nil {
			return err
		}
		w = next
		return nil
	})
	if err != nil {
		return domain.WorkItem{}, wrap(err)
	}
	s.audit(ctx, "work_item.updated", zap.String("group_id", w.GroupID), zap.String("work_item_id", itemID))
	s.notify.OnWorkItemUpdated(ctx, itemID)
	return w, nil
}

func workItemChanged(a, b domain.WorkItem) bool {
	if a.Title != b.Title || a.Description != b.Description || a.CompletedBy != b.CompletedBy {
		return true
	}
	x, y := slices.Clone(a.AssigneeIDs), slices.Clone(b.AssigneeIDs)
	slices.Sort(x)
	slices.Sort(y)
	return !slices.Equal(x, y)
}

// DeleteWorkItem soft-deletes a work item. Only the owner may do this.
func (s *Service) DeleteWorkItem(ctx context.Context, actorID, itemID string) error {
	groupID, err := s.itemGroup(ctx, itemID)
	if err != nil {
		return wrap(err)
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, w, err := lockItem(ctx, tx, groupID, itemID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(g, ms, actorID), access.DeleteWorkItem); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		at := stamp(now, w.LastModifiedAt)
		w.DeletedAt = &at
		w.LastModifiedAt = at
		return tx.UpdateWorkItem(ctx, w)
	})
	if err != nil {
		return wrap(err)
	}
	s.audit(ctx, "work_item.deleted", zap.String("group_id", groupID), zap.String("work_item_id", itemID))
	s.notify.OnWorkItemDeleted(ctx, itemID)
	return nil
}
