package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/access"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/ids"
	"github.com/Dangere/syncora-backend/internal/store"
)

// NewGroup is the input of CreateGroup.
type NewGroup struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// GroupPatch changes the non-nil fields of a group.
type GroupPatch struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
}

func memberships(s domain.GroupState) []domain.Membership {
	out := make([]domain.Membership, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.Membership)
	}
	return out
}

func activeMember(ms []domain.Membership, accountID string) (domain.Membership, bool) {
	for _, m := range ms {
		if m.AccountID == accountID && m.Active() {
			return m, true
		}
	}
	return domain.Membership{}, false
}

// GetGroup returns a group with its owner, members and work items.
func (s *Service) GetGroup(ctx context.Context, actorID, groupID string) (domain.GroupState, error) {
	st, err := s.store.GroupState(ctx, groupID)
	if err != nil {
		return domain.GroupState{}, wrap(err)
	}
	if err := access.Authorize(access.Classify(st.Group, memberships(st), actorID), access.Read); err != nil {
		return domain.GroupState{}, err
	}
	return st, nil
}

// ListGroups returns every live group the actor can access.
func (s *Service) ListGroups(ctx context.Context, actorID string) ([]domain.GroupState, error) {
	groupIDs, err := s.store.AccessibleGroupIDs(ctx, actorID)
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]domain.GroupState, 0, len(groupIDs))
	for _, gid := range groupIDs {
		st, err := s.store.GroupState(ctx, gid)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, wrap(err)
		}
		out = append(out, st)
	}
	return out, nil
}

// CreateGroup creates a group owned by the actor.
func (s *Service) CreateGroup(ctx context.Context, actorID string, in NewGroup) (domain.Group, error) {
	title, err := domain.NormalizeTitle(in.Title)
	if err != nil {
		return domain.Group{}, err
	}
	desc, err := domain.NormalizeDescription(in.Description)
	if err != nil {
		return domain.Group{}, err
	}

	var g domain.Group
	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Account(ctx, actorID); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		g = domain.Group{
			ID:             ids.New(),
			Title:          title,
			Description:    desc,
			OwnerID:        actorID,
			CreatedAt:      now,
			LastModifiedAt: now,
			MemberIDs:      []string{},
		}
		return tx.InsertGroup(ctx, g)
	})
	if err != nil {
		return domain.Group{}, wrap(err)
	}
	s.audit(ctx, "group.created", zap.String("group_id", g.ID))
	s.notify.OnGroupCreated(ctx, g.ID)
	return g, nil
}

// UpdateGroup changes title and/or description. Only the owner may do this.
func (s *Service) UpdateGroup(ctx context.Context, actorID, groupID string, patch GroupPatch) (domain.Group, error) {
	var g domain.Group
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, ms, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(cur, ms, actorID), access.EditGroup); err != nil {
			return err
		}
		if patch.Title == nil && patch.Description == nil {
			return domain.Errorf(domain.ErrValidation, "nothing to update")
		}
		next := cur
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
		if next.Title == cur.Title && next.Description == cur.Description {
			return domain.Errorf(domain.ErrConflict, "group details are the same")
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		next.LastModifiedAt = stamp(now, cur.LastModifiedAt)
		if err := tx.UpdateGroup(ctx, next); err != nil {
			return err
		}
		g = next
		return nil
	})
	if err != nil {
		return domain.Group{}, wrap(err)
	}
	s.audit(ctx, "group.updated", zap.String("group_id", groupID))
	s.notify.OnGroupUpdated(ctx, groupID)
	return g, nil
}

// DeleteGroup soft-deletes a group. Only the owner may do this.
func (s *Service) DeleteGroup(ctx context.Context, actorID, groupID string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(g, ms, actorID), access.DeleteGroup); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		at := stamp(now, g.LastModifiedAt)
		g.DeletedAt = &at
		g.LastModifiedAt = at
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return wrap(err)
	}
	s.audit(ctx, "group.deleted", zap.String("group_id", groupID))
	s.notify.OnGroupDeleted(ctx, groupID)
	return nil
}

// GrantAccess makes the account with the given username an active member.
// A previously kicked account is re-admitted.
func (s *Service) GrantAccess(ctx context.Context, actorID, groupID, username string) (domain.Account, error) {
	var target domain.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(g, ms, actorID), access.ManageMembers); err != nil {
			return err
		}
		name, err := domain.NormalizeUsername(username)
		if err != nil {
			return err
		}
		if target, err = tx.AccountByUsername(ctx, name); err != nil {
			return err
		}
		if target.ID == g.OwnerID {
			return domain.Errorf(domain.ErrValidation, "cannot grant access to yourself")
		}
		if _, ok := activeMember(ms, target.ID); ok {
			return domain.Errorf(domain.ErrConflict, "user already has access")
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		at := stamp(now, g.LastModifiedAt)
		if err := tx.UpsertMembership(ctx, domain.Membership{GroupID: groupID, AccountID: target.ID, JoinedAt: at}); err != nil {
			return err
		}
		g.LastModifiedAt = at
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return domain.Account{}, wrap(err)
	}
	s.audit(ctx, "group.access_granted", zap.String("group_id", groupID), zap.String("member_id", target.ID))
	s.notify.OnMembershipGranted(ctx, groupID, target.ID)
	return target, nil
}

// RevokeAccess kicks an active member. The member's assignments in the group are
// cleared in the same transaction.
func (s *Service) RevokeAccess(ctx context.Context, actorID, groupID, username string) error {
	var (
		target  domain.Account
		cleared []string
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(g, ms, actorID), access.ManageMembers); err != nil {
			return err
		}
		name, err := domain.NormalizeUsername(username)
		if err != nil {
			return err
		}
		if target, err = tx.AccountByUsername(ctx, name); err != nil {
			return err
		}
		if target.ID == g.OwnerID {
			return domain.Errorf(domain.ErrValidation, "cannot revoke access from yourself")
		}
		if _, ok := activeMember(ms, target.ID); !ok {
			return domain.Errorf(domain.ErrConflict, "user does not have access")
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		at := stamp(now, g.LastModifiedAt)
		if err := tx.KickMembership(ctx, groupID, target.ID, at); err != nil {
			return err
		}
		if cleared, err = tx.ClearAssignee(ctx, groupID, target.ID, at); err != nil {
			return err
		}
		g.LastModifiedAt = at
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return wrap(err)
	}
	s.audit(ctx, "group.access_revoked", zap.String("group_id", groupID), zap.String("member_id", target.ID),
		zap.Strings("cleared_work_items", cleared))
	s.notify.OnMembershipRevoked(ctx, groupID, target.ID, cleared)
	return nil
}

// LeaveGroup removes the actor's own membership. Owners cannot leave.
func (s *Service) LeaveGroup(ctx context.Context, actorID, groupID string) error {
	var cleared []string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		g, ms, err := tx.LockGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if err := access.Authorize(access.Classify(g, ms, actorID), access.Leave); err != nil {
			return err
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		at := stamp(now, g.LastModifiedAt)
		if cleared, err = tx.ClearAssignee(ctx, groupID, actorID, at); err != nil {
			return err
		}
		if err := tx.DeleteMembership(ctx, groupID, actorID, at); err != nil {
			return err
		}
		g.LastModifiedAt = at
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return wrap(err)
	}
	s.audit(ctx, "group.left", zap.String("group_id", groupID), zap.Strings("cleared_work_items", cleared))
	s.notify.OnMembershipLeft(ctx, groupID, actorID, cleared)
	return nil
}
