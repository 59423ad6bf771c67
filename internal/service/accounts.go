package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/ids"
	"github.com/Dangere/syncora-backend/internal/store"
)

// DefaultRole is assigned when registration names none.
const DefaultRole = "user"

// Registration is the input of Register.
type Registration struct {
	Email             string `json:"email"`
	Username          string `json:"username"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Role              string `json:"role"`
	ProfilePictureURL string `json:"profile_picture_url"`
}

// ProfilePatch changes the non-nil profile fields of the caller's account.
type ProfilePatch struct {
	Username          *string `json:"username"`
	FirstName         *string `json:"first_name"`
	LastName          *string `json:"last_name"`
	ProfilePictureURL *string `json:"profile_picture_url"`
}

// Account returns one account.
func (s *Service) Account(ctx context.Context, accountID string) (domain.Account, error) {
	a, err := s.store.Account(ctx, accountID)
	if err != nil {
		return domain.Account{}, wrap(err)
	}
	return a, nil
}

// Register creates an account. Username and email are unique case-insensitively.
func (s *Service) Register(ctx context.Context, in Registration) (domain.Account, error) {
	a := domain.Account{ID: ids.New(), Role: strings.TrimSpace(in.Role)}
	if a.Role == "" {
		a.Role = DefaultRole
	}
	var err error
	if a.Email, err = domain.NormalizeEmail(in.Email); err != nil {
		return domain.Account{}, err
	}
	if a.Username, err = domain.NormalizeUsername(in.Username); err != nil {
		return domain.Account{}, err
	}
	if a.FirstName, err = domain.NormalizeName("first name", in.FirstName); err != nil {
		return domain.Account{}, err
	}
	if a.LastName, err = domain.NormalizeName("last name", in.LastName); err != nil {
		return domain.Account{}, err
	}
	if a.ProfilePictureURL, err = domain.NormalizePictureURL(in.ProfilePictureURL); err != nil {
		return domain.Account{}, err
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		a.CreatedAt = now
		a.LastModifiedAt = now
		return tx.InsertAccount(ctx, a)
	})
	if err != nil {
		return domain.Account{}, wrap(err)
	}
	s.audit(ctx, "account.registered", zap.String("registered_id", a.ID))
	return a, nil
}

// UpdateProfile changes the caller's profile. Everyone sharing a group with the
// caller is notified.
func (s *Service) UpdateProfile(ctx context.Context, actorID string, patch ProfilePatch) (domain.Account, error) {
	var a domain.Account
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.Account(ctx, actorID)
		if err != nil {
			return err
		}
		if patch == (ProfilePatch{}) {
			return domain.Errorf(domain.ErrValidation, "nothing to update")
		}
		next := cur
		if patch.Username != nil {
			if next.Username, err = domain.NormalizeUsername(*patch.Username); err != nil {
				return err
			}
		}
		if patch.FirstName != nil {
			if next.FirstName, err = domain.NormalizeName("first name", *patch.FirstName); err != nil {
				return err
			}
		}
		if patch.LastName != nil {
			if next.LastName, err = domain.NormalizeName("last name", *patch.LastName); err != nil {
				return err
			}
		}
		if patch.ProfilePictureURL != nil {
			if next.ProfilePictureURL, err = domain.NormalizePictureURL(*patch.ProfilePictureURL); err != nil {
				return err
			}
		}
		if next == cur {
			return domain.Errorf(domain.ErrConflict, "profile details are the same")
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		next.LastModifiedAt = stamp(now, cur.LastModifiedAt)
		if err := tx.UpdateAccount(ctx, next); err != nil {
			return err
		}
		a = next
		return nil
	})
	if err != nil {
		return domain.Account{}, wrap(err)
	}
	s.audit(ctx, "account.updated")
	s.notify.OnAccountUpdated(ctx, actorID)
	return a, nil
}
