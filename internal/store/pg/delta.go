package pg

import (
	"context"
	"database/sql"
	"slices"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/store"
)

// Delta reads the caller's groups and tombstones from one read-only snapshot.
// AsOf is the transaction start time, which precedes the snapshot.
func (s *Store) Delta(ctx context.Context, q store.DeltaQuery) (store.DeltaRows, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return store.DeltaRows{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows store.DeltaRows
	if err := tx.QueryRowContext(ctx, `select now()`).Scan(&rows.AsOf); err != nil {
		return store.DeltaRows{}, err
	}
	rows.AsOf = rows.AsOf.UTC()

	if rows.Groups, err = loadStates(ctx, tx, scopeAccessible, q.AccountID); err != nil {
		return store.DeltaRows{}, err
	}
	if q.Tombstones {
		if err := tombstones(ctx, tx, q, &rows); err != nil {
			return store.DeltaRows{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return store.DeltaRows{}, err
	}
	return rows, nil
}

func tombstones(ctx context.Context, tx *sql.Tx, q store.DeltaQuery, rows *store.DeltaRows) error {
	since := q.Since.UTC()

	left, err := textColumn(ctx, tx, `
		select m.group_id from group_members m
		where m.account_id = $1 and m.kicked_at > $2
		union
		select d.group_id from group_departures d
		where d.account_id = $1 and d.left_at > $2`, q.AccountID, since)
	if err != nil {
		return err
	}
	// A group regranted after the removal is live again.
	left = slices.DeleteFunc(left, func(gid string) bool {
		return slices.ContainsFunc(rows.Groups, func(s domain.GroupState) bool { return s.Group.ID == gid })
	})
	rows.Tombstones.GroupsLeft = sortedUnique(left)

	deleted, err := textColumn(ctx, tx, `
		select g.id from groups g
		where g.deleted_at > $2 and (g.owner_id = $1 or exists (
			select 1 from group_members v where v.group_id = g.id and v.account_id = $1 and v.kicked_at is null))
		order by g.id`, q.AccountID, since)
	if err != nil {
		return err
	}
	rows.Tombstones.GroupsDeleted = deleted

	items, err := textColumn(ctx, tx, `
		select w.id from work_items w
		join groups g on g.id = w.group_id
		where w.deleted_at > $2 and (g.owner_id = $1 or exists (
			select 1 from group_members v where v.group_id = g.id and v.account_id = $1 and v.kicked_at is null))
		order by w.id`, q.AccountID, since)
	if err != nil {
		return err
	}
	rows.Tombstones.WorkItemsDeleted = items
	return nil
}
