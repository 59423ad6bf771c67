// Package pg is the PostgreSQL implementation of store.Store.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store reads and writes sync data in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects with the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	accountCols = `a.id, a.email, a.username, a.first_name, a.last_name, a.role, a.profile_picture_url, a.created_at, a.last_modified_at`
	groupCols   = `g.id, g.title, g.description, g.owner_id, g.created_at, g.last_modified_at, g.deleted_at`
	itemCols    = `w.id, w.group_id, w.title, w.description, coalesce(w.completed_by, ''), w.created_at, w.last_modified_at, w.deleted_at`

	// Scopes are boolean conditions over groups g with the single parameter $1.
	scopeAccessible = `g.deleted_at is null and (g.owner_id = $1 or exists (
		select 1 from group_members v where v.group_id = g.id and v.account_id = $1 and v.kicked_at is null))`
	scopeLiveGroup = `g.deleted_at is null and g.id = $1`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(r scanner, dst ...any) (domain.Account, error) {
	var a domain.Account
	err := r.Scan(append(dst, &a.ID, &a.Email, &a.Username, &a.FirstName, &a.LastName, &a.Role,
		&a.ProfilePictureURL, &a.CreatedAt, &a.LastModifiedAt)...)
	a.CreatedAt, a.LastModifiedAt = a.CreatedAt.UTC(), a.LastModifiedAt.UTC()
	return a, err
}

func scanGroup(r scanner) (domain.Group, error) {
	var g domain.Group
	var deleted sql.NullTime
	if err := r.Scan(&g.ID, &g.Title, &g.Description, &g.OwnerID, &g.CreatedAt, &g.LastModifiedAt, &deleted); err != nil {
		return domain.Group{}, err
	}
	g.CreatedAt, g.LastModifiedAt = g.CreatedAt.UTC(), g.LastModifiedAt.UTC()
	g.DeletedAt = utcPtr(deleted)
	return g, nil
}

func scanWorkItem(r scanner) (domain.WorkItem, error) {
	var w domain.WorkItem
	var deleted sql.NullTime
	if err := r.Scan(&w.ID, &w.GroupID, &w.Title, &w.Description, &w.CompletedBy, &w.CreatedAt, &w.LastModifiedAt, &deleted); err != nil {
		return domain.WorkItem{}, err
	}
	w.CreatedAt, w.LastModifiedAt = w.CreatedAt.UTC(), w.LastModifiedAt.UTC()
	w.DeletedAt = utcPtr(deleted)
	return w, nil
}

func utcPtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}

func (s *Store) Account(ctx context.Context, accountID string) (domain.Account, error) {
	return account(ctx, s.db, accountID)
}

func (s *Store) AccountByUsername(ctx context.Context, username string) (domain.Account, error) {
	return accountByUsername(ctx, s.db, username)
}

func account(ctx context.Context, q querier, accountID string) (domain.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx, `select `+accountCols+` from accounts a where a.id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.Errorf(domain.ErrNotFound, "account %s", accountID)
	}
	return a, err
}

func accountByUsername(ctx context.Context, q querier, username string) (domain.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`select `+accountCols+` from accounts a where lower(a.username) = lower($1)`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.Errorf(domain.ErrNotFound, "account %q", username)
	}
	return a, err
}

// Group returns a group even when soft-deleted, with its active member ids.
func (s *Store) Group(ctx context.Context, groupID string) (domain.Group, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `select `+groupCols+` from groups g where g.id = $1`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Group{}, domain.Errorf(domain.ErrNotFound, "group %s", groupID)
	}
	if err != nil {
		return domain.Group{}, err
	}
	g.MemberIDs, err = textColumn(ctx, s.db, `
		select account_id from group_members
		where group_id = $1 and kicked_at is null
		order by account_id`, groupID)
	return g, err
}

// WorkItem returns a work item even when soft-deleted.
func (s *Store) WorkItem(ctx context.Context, itemID string) (domain.WorkItem, error) {
	return workItem(ctx, s.db, `select `+itemCols+` from work_items w where w.id = $1`, itemID)
}

func workItem(ctx context.Context, q querier, query, itemID string) (domain.WorkItem, error) {
	w, err := scanWorkItem(q.QueryRowContext(ctx, query, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkItem{}, domain.Errorf(domain.ErrNotFound, "work item %s", itemID)
	}
	if err != nil {
		return domain.WorkItem{}, err
	}
	w.AssigneeIDs, err = textColumn(ctx, q, `
		select account_id from work_item_assignees
		where work_item_id = $1
		order by account_id`, itemID)
	return w, err
}

func (s *Store) AccessibleGroupIDs(ctx context.Context, accountID string) ([]string, error) {
	return textColumn(ctx, s.db, `
		select g.id from groups g
		where `+scopeAccessible+`
		order by g.created_at, g.id`, accountID)
}

// GroupState returns a live group with owner, active members and live work items.
func (s *Store) GroupState(ctx context.Context, groupID string) (domain.GroupState, error) {
	states, err := loadStates(ctx, s.db, scopeLiveGroup, groupID)
	if err != nil {
		return domain.GroupState{}, err
	}
	if len(states) == 0 {
		return domain.GroupState{}, domain.Errorf(domain.ErrNotFound, "group %s", groupID)
	}
	return states[0], nil
}

// loadStates reads every group matching scope together with its owner, active
// members, live work items and their assignees, in five queries.
func loadStates(ctx context.Context, q querier, scope string, arg any) ([]domain.GroupState, error) {
	rows, err := q.QueryContext(ctx, `select `+groupCols+` from groups g where `+scope+` order by g.created_at, g.id`, arg)
	if err != nil {
		return nil, err
	}
	var states []domain.GroupState
	index := map[string]int{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		g.MemberIDs = []string{}
		index[g.ID] = len(states)
		states = append(states, domain.GroupState{Group: g})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}

	err = each(ctx, q, `
		select g.id, `+accountCols+`
		from groups g join accounts a on a.id = g.owner_id
		where `+scope, arg, func(r *sql.Rows) error {
		var gid string
		a, err := scanAccount(r, &gid)
		if err != nil {
			return err
		}
		if i, ok := index[gid]; ok {
			states[i].Owner = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = each(ctx, q, `
		select m.group_id, m.account_id, m.joined_at, `+accountCols+`
		from group_members m
		join groups g on g.id = m.group_id
		join accounts a on a.id = m.account_id
		where m.kicked_at is null and `+scope+`
		order by m.account_id`, arg, func(r *sql.Rows) error {
		var m domain.Member
		a, err := scanAccount(r, &m.GroupID, &m.AccountID, &m.JoinedAt)
		if err != nil {
			return err
		}
		m.JoinedAt = m.JoinedAt.UTC()
		m.Account = a
		if i, ok := index[m.GroupID]; ok {
			states[i].Members = append(states[i].Members, m)
			states[i].Group.MemberIDs = append(states[i].Group.MemberIDs, m.AccountID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := map[string]*domain.WorkItem{}
	var order []string
	err = each(ctx, q, `
		select `+itemCols+`
		from work_items w join groups g on g.id = w.group_id
		where w.deleted_at is null and `+scope+`
		order by w.created_at, w.id`, arg, func(r *sql.Rows) error {
		w, err := scanWorkItem(r)
		if err != nil {
			return err
		}
		w.AssigneeIDs = []string{}
		items[w.ID] = &w
		order = append(order, w.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(items) > 0 {
		err = each(ctx, q, `
			select x.work_item_id, x.account_id
			from work_item_assignees x
			join work_items w on w.id = x.work_item_id
			join groups g on g.id = w.group_id
			where w.deleted_at is null and `+scope+`
			order by x.account_id`, arg, func(r *sql.Rows) error {
			var itemID, accountID string
			if err := r.Scan(&itemID, &accountID); err != nil {
				return err
			}
			if w, ok := items[itemID]; ok {
				w.AssigneeIDs = append(w.AssigneeIDs, accountID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for _, id := range order {
		w := items[id]
		if i, ok := index[w.GroupID]; ok {
			states[i].WorkItems = append(states[i].WorkItems, *w)
		}
	}
	return states, nil
}

func each(ctx context.Context, q querier, query string, arg any, fn func(*sql.Rows) error) error {
	rows, err := q.QueryContext(ctx, query, arg)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// textColumn runs a single-column text query.
func textColumn(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapErr translates constraint violations into the domain taxonomy.
func mapErr(err error, what string) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return domain.Errorf(domain.ErrConflict, "%s already exists", what)
		case pgErrForeignKeyViolation:
			return domain.Errorf(domain.ErrNotFound, "%s references a missing row", what)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
