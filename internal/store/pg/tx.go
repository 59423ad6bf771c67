package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/store"
)

// WithTx runs fn in a read-committed transaction. Rows read through Lock* stay
// locked until fn returns.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

// Now uses clock_timestamp so rows written after a lock wait are stamped later
// than the rows of the transaction that held the lock.
func (t *pgTx) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := t.tx.QueryRowContext(ctx, `select clock_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now.UTC(), nil
}

func (t *pgTx) LockGroup(ctx context.Context, groupID string) (domain.Group, []domain.Membership, error) {
	g, err := scanGroup(t.tx.QueryRowContext(ctx,
		`select `+groupCols+` from groups g where g.id = $1 and g.deleted_at is null for update`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, nil, domain.Errorf(domain.ErrNotFound, "group %s", groupID)
	}
	if err != nil {
		return domain.Group{}, nil, err
	}

	rows, err := t.tx.QueryContext(ctx, `
		select group_id, account_id, joined_at, kicked_at
		from group_members where group_id = $1
		order by account_id`, groupID)
	if err != nil {
		return domain.Group{}, nil, err
	}
	defer rows.Close()
	var ms []domain.Membership
	g.MemberIDs = []string{}
	for rows.Next() {
		var m domain.Membership
		var kicked sql.NullTime
		if err := rows.Scan(&m.GroupID, &m.AccountID, &m.JoinedAt, &kicked); err != nil {
			return domain.Group{}, nil, err
		}
		m.JoinedAt = m.JoinedAt.UTC()
		m.KickedAt = utcPtr(kicked)
		if m.Active() {
			g.MemberIDs = append(g.MemberIDs, m.AccountID)
		}
		ms = append(ms, m)
	}
	return g, ms, rows.Err()
}

func (t *pgTx) LockWorkItem(ctx context.Context, itemID string) (domain.WorkItem, error) {
	return workItem(ctx, t.tx,
		`select `+itemCols+` from work_items w where w.id = $1 and w.deleted_at is null for update`, itemID)
}

func (t *pgTx) Account(ctx context.Context, accountID string) (domain.Account, error) {
	return account(ctx, t.tx, accountID)
}

func (t *pgTx) AccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	return accountByUsername(ctx, t.tx, username)
}

func (t *pgTx) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into accounts(id, email, username, first_name, last_name, role, profile_picture_url, created_at, last_modified_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.ID, a.Email, a.Username, a.FirstName, a.LastName, a.Role, a.ProfilePictureURL, a.CreatedAt, a.LastModifiedAt)
	return mapErr(err, "account")
}

func (t *pgTx) UpdateAccount(ctx context.Context, a domain.Account) error {
	res, err := t.tx.ExecContext(ctx, `
		update accounts
		set email = $2, username = $3, first_name = $4, last_name = $5, role = $6,
		    profile_picture_url = $7, last_modified_at = $8
		where id = $1`,
		a.ID, a.Email, a.Username, a.FirstName, a.LastName, a.Role, a.ProfilePictureURL, a.LastModifiedAt)
	if err != nil {
		return mapErr(err, "account")
	}
	return requireRow(res, "account %s", a.ID)
}

func (t *pgTx) InsertGroup(ctx context.Context, g domain.Group) error {
	_, err := t.tx.ExecContext(ctx, `
		insert into groups(id, title, description, owner_id, created_at, last_modified_at)
		values ($1,$2,$3,$4,$5,$6)`,
		g.ID, g.Title, g.Description, g.OwnerID, g.CreatedAt, g.LastModifiedAt)
	return mapErr(err, "group")
}

func (t *pgTx) UpdateGroup(ctx context.Context, g domain.Group) error {
	res, err := t.tx.ExecContext(ctx, `
		update groups
		set title = $2, description = $3, last_modified_at = $4, deleted_at = $5
		where id = $1`,
		g.ID, g.Title, g.Description, g.LastModifiedAt, g.DeletedAt)
	if err != nil {
		return mapErr(err, "group")
	}
	return requireRow(res, "group %s", g.ID)
}

func (t *pgTx) UpsertMembership(ctx context.Context, m domain.Membership) error {
	if _, err := t.tx.ExecContext(ctx, `
		insert into group_members(group_id, account_id, joined_at, kicked_at)
		values ($1,$2,$3,null)
		on conflict (group_id, account_id) do update
		set joined_at = excluded.joined_at, kicked_at = null`,
		m.GroupID, m.AccountID, m.JoinedAt); err != nil {
		return mapErr(err, "membership")
	}
	_, err := t.tx.ExecContext(ctx, `delete from group_departures where group_id = $1 and account_id = $2`,
		m.GroupID, m.AccountID)
	return err
}

func (t *pgTx) KickMembership(ctx context.Context, groupID, accountID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		update group_members set kicked_at = $3
		where group_id = $1 and account_id = $2`, groupID, accountID, at)
	if err != nil {
		return err
	}
	return requireRow(res, "membership %s/%s", groupID, accountID)
}

func (t *pgTx) DeleteMembership(ctx context.Context, groupID, accountID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `delete from group_members where group_id = $1 and account_id = $2`,
		groupID, accountID)
	if err != nil {
		return err
	}
	if err := requireRow(res, "membership %s/%s", groupID, accountID); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		insert into group_departures(group_id, account_id, left_at)
		values ($1,$2,$3)
		on conflict (group_id, account_id) do update set left_at = excluded.left_at`,
		groupID, accountID, at)
	return err
}

func (t *pgTx) ClearAssignee(ctx context.Context, groupID, accountID string, at time.Time) ([]string, error) {
	affected, err := textColumn(ctx, t.tx, `
		update work_items w
		set completed_by = case when w.completed_by = $2 then null else w.completed_by end,
		    last_modified_at = $3
		where w.group_id = $1 and w.deleted_at is null and (w.completed_by = $2 or exists (
			select 1 from work_item_assignees x where x.work_item_id = w.id and x.account_id = $2))
		returning w.id`, groupID, accountID, at)
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.ExecContext(ctx, `
		delete from work_item_assignees x
		using work_items w
		where x.work_item_id = w.id and w.group_id = $1 and w.deleted_at is null and x.account_id = $2`,
		groupID, accountID); err != nil {
		return nil, err
	}
	slices.Sort(affected)
	return affected, nil
}

func (t *pgTx) InsertWorkItem(ctx context.Context, w domain.WorkItem) error {
	if _, err := t.tx.ExecContext(ctx, `
		insert into work_items(id, group_id, title, description, completed_by, created_at, last_modified_at)
		values ($1,$2,$3,$4,nullif($5,''),$6,$7)`,
		w.ID, w.GroupID, w.Title, w.Description, w.CompletedBy, w.CreatedAt, w.LastModifiedAt); err != nil {
		return mapErr(err, "work item")
	}
	return t.insertAssignees(ctx, w)
}

func (t *pgTx) UpdateWorkItem(ctx context.Context, w domain.WorkItem) error {
	res, err := t.tx.ExecContext(ctx, `
		update work_items
		set title = $2, description = $3, completed_by = nullif($4,''), last_modified_at = $5, deleted_at = $6
		where id = $1`,
		w.ID, w.Title, w.Description, w.CompletedBy, w.LastModifiedAt, w.DeletedAt)
	if err != nil {
		return mapErr(err, "work item")
	}
	if err := requireRow(res, "work item %s", w.ID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `delete from work_item_assignees where work_item_id = $1`, w.ID); err != nil {
		return err
	}
	return t.insertAssignees(ctx, w)
}

func (t *pgTx) insertAssignees(ctx context.Context, w domain.WorkItem) error {
	for _, accountID := range sortedUnique(w.AssigneeIDs) {
		if _, err := t.tx.ExecContext(ctx,
			`insert into work_item_assignees(work_item_id, account_id) values ($1,$2)`, w.ID, accountID); err != nil {
			return mapErr(err, "assignee")
		}
	}
	return nil
}

func requireRow(res sql.Result, format string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.ErrNotFound, format, args...)
	}
	return nil
}
