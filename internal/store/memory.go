package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Dangere/syncora-backend/internal/domain"
)

type memberKey struct{ groupID, accountID string }

type memData struct {
	accounts   map[string]domain.Account
	groups     map[string]domain.Group
	members    map[memberKey]domain.Membership
	departures map[memberKey]time.Time
	items      map[string]domain.WorkItem
}

func newMemData() *memData {
	return &memData{
		accounts:   make(map[string]domain.Account),
		groups:     make(map[string]domain.Group),
		members:    make(map[memberKey]domain.Membership),
		departures: make(map[memberKey]time.Time),
		items:      make(map[string]domain.WorkItem),
	}
}

func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.groups {
		c.groups[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.departures {
		c.departures[k] = v
	}
	for k, v := range d.items {
		v.AssigneeIDs = slices.Clone(v.AssigneeIDs)
		c.items[k] = v
	}
	return c
}

// Memory is an in-process Store. Transactions run on a private copy that replaces
// the live data on commit, so a failed transaction leaves no trace.
type Memory struct {
	mu   sync.RWMutex
	data *memData
	now  func() time.Time
	last time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		data: newMemData(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

// tick returns a non-decreasing timestamp. Callers hold mu.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if t.Before(m.last) {
		t = m.last
	}
	m.last = t
	return t
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.data.clone()
	if err := fn(ctx, &memTx{d: work, m: m}); err != nil {
		return err
	}
	m.data = work
	return nil
}

// Delta reads under the write lock so no transaction interleaves with the
// snapshot. Every stamp handed out afterwards is strictly after asOf, otherwise
// a write in the same instant would be hidden from the next pull by its
// exclusive since.
func (m *Memory) Delta(_ context.Context, q DeltaQuery) (DeltaRows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	asOf := m.tick()
	m.last = asOf.Add(time.Microsecond)
	d := m.data
	rows := DeltaRows{AsOf: asOf}
	for _, gid := range d.accessible(q.AccountID) {
		rows.Groups = append(rows.Groups, d.state(gid))
	}
	if !q.Tombstones {
		return rows, nil
	}

	since := q.Since.UTC()
	left := map[string]struct{}{}
	for k, mem := range d.members {
		if k.accountID == q.AccountID && mem.KickedAt != nil && mem.KickedAt.After(since) {
			left[k.groupID] = struct{}{}
		}
	}
	for k, at := range d.departures {
		if k.accountID == q.AccountID && at.After(since) {
			left[k.groupID] = struct{}{}
		}
	}
	for _, gid := range d.accessible(q.AccountID) {
		delete(left, gid)
	}
	for gid := range left {
		rows.Tombstones.GroupsLeft = append(rows.Tombstones.GroupsLeft, gid)
	}

	for gid, g := range d.groups {
		if g.DeletedAt == nil || !g.DeletedAt.After(since) {
			continue
		}
		mem, ok := d.members[memberKey{gid, q.AccountID}]
		if g.OwnerID == q.AccountID || (ok && mem.Active()) {
			rows.Tombstones.GroupsDeleted = append(rows.Tombstones.GroupsDeleted, gid)
		}
	}

	for id, w := range d.items {
		if w.DeletedAt == nil || !w.DeletedAt.After(since) {
			continue
		}
		if d.canAccess(w.GroupID, q.AccountID) {
			rows.Tombstones.WorkItemsDeleted = append(rows.Tombstones.WorkItemsDeleted, id)
		}
	}
	return rows, nil
}

func (m *Memory) AccessibleGroupIDs(_ context.Context, accountID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.accessible(accountID), nil
}

func (m *Memory) GroupState(_ context.Context, groupID string) (domain.GroupState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.data.groups[groupID]
	if !ok || g.Deleted() {
		return domain.GroupState{}, domain.Errorf(domain.ErrNotFound, "group %s", groupID)
	}
	return m.data.state(groupID), nil
}

func (m *Memory) Group(_ context.Context, groupID string) (domain.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.data.groups[groupID]
	if !ok {
		return domain.Group{}, domain.Errorf(domain.ErrNotFound, "group %s", groupID)
	}
	g.MemberIDs = m.data.activeMemberIDs(groupID)
	return g, nil
}

func (m *Memory) WorkItem(_ context.Context, itemID string) (domain.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.data.items[itemID]
	if !ok {
		return domain.WorkItem{}, domain.Errorf(domain.ErrNotFound, "work item %s", itemID)
	}
	w.AssigneeIDs = slices.Clone(w.AssigneeIDs)
	return w, nil
}

func (m *Memory) Account(_ context.Context, accountID string) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.account(accountID)
}

func (m *Memory) AccountByUsername(_ context.Context, username string) (domain.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.accountByUsername(username)
}

func (d *memData) account(id string) (domain.Account, error) {
	a, ok := d.accounts[id]
	if !ok {
		return domain.Account{}, domain.Errorf(domain.ErrNotFound, "account %s", id)
	}
	return a, nil
}

func (d *memData) accountByUsername(username string) (domain.Account, error) {
	for _, a := range d.accounts {
		if strings.EqualFold(a.Username, username) {
			return a, nil
		}
	}
	return domain.Account{}, domain.Errorf(domain.ErrNotFound, "account %q", username)
}

func (d *memData) canAccess(groupID, accountID string) bool {
	g, ok := d.groups[groupID]
	if !ok {
		return false
	}
	if g.OwnerID == accountID {
		return true
	}
	mem, ok := d.members[memberKey{groupID, accountID}]
	return ok && mem.Active()
}

// accessible returns live groups accountID can access, oldest first.
func (d *memData) accessible(accountID string) []string {
	var gs []domain.Group
	for id, g := range d.groups {
		if !g.Deleted() && d.canAccess(id, accountID) {
			gs = append(gs, g)
		}
	}
	slices.SortFunc(gs, func(a, b domain.Group) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.ID
	}
	return out
}

func (d *memData) activeMemberIDs(groupID string) []string {
	var out []string
	for k, mem := range d.members {
		if k.groupID == groupID && mem.Active() {
			out = append(out, k.accountID)
		}
	}
	slices.Sort(out)
	return out
}

func (d *memData) state(groupID string) domain.GroupState {
	g := d.groups[groupID]
	g.MemberIDs = d.activeMemberIDs(groupID)
	s := domain.GroupState{Group: g, Owner: d.accounts[g.OwnerID]}
	for _, accountID := range g.MemberIDs {
		s.Members = append(s.Members, domain.Member{
			Membership: d.members[memberKey{groupID, accountID}],
			Account:    d.accounts[accountID],
		})
	}
	for _, w := range d.items {
		if w.GroupID == groupID && !w.Deleted() {
			w.AssigneeIDs = slices.Clone(w.AssigneeIDs)
			s.WorkItems = append(s.WorkItems, w)
		}
	}
	slices.SortFunc(s.WorkItems, func(a, b domain.WorkItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return s
}

type memTx struct {
	d *memData
	m *Memory
}

func (tx *memTx) Now(context.Context) (time.Time, error) { return tx.m.tick(), nil }

func (tx *memTx) LockGroup(_ context.Context, groupID string) (domain.Group, []domain.Membership, error) {
	g, ok := tx.d.groups[groupID]
	if !ok || g.Deleted() {
		return domain.Group{}, nil, domain.Errorf(domain.ErrNotFound, "group %s", groupID)
	}
	g.MemberIDs = tx.d.activeMemberIDs(groupID)
	var ms []domain.Membership
	for k, mem := range tx.d.members {
		if k.groupID == groupID {
			ms = append(ms, mem)
		}
	}
	return g, ms, nil
}

func (tx *memTx) LockWorkItem(_ context.Context, itemID string) (domain.WorkItem, error) {
	w, ok := tx.d.items[itemID]
	if !ok || w.Deleted() {
		return domain.WorkItem{}, domain.Errorf(domain.ErrNotFound, "work item %s", itemID)
	}
	w.AssigneeIDs = slices.Clone(w.AssigneeIDs)
	return w, nil
}

func (tx *memTx) Account(_ context.Context, accountID string) (domain.Account, error) {
	return tx.d.account(accountID)
}

func (tx *memTx) AccountByUsername(_ context.Context, username string) (domain.Account, error) {
	return tx.d.accountByUsername(username)
}

func (tx *memTx) InsertAccount(_ context.Context, a domain.Account) error {
	if _, ok := tx.d.accounts[a.ID]; ok {
		return domain.Errorf(domain.ErrConflict, "account %s exists", a.ID)
	}
	return tx.putAccount(a)
}

func (tx *memTx) UpdateAccount(_ context.Context, a domain.Account) error {
	if _, ok := tx.d.accounts[a.ID]; !ok {
		return domain.Errorf(domain.ErrNotFound, "account %s", a.ID)
	}
	return tx.putAccount(a)
}

func (tx *memTx) putAccount(a domain.Account) error {
	for id, other := range tx.d.accounts {
		if id == a.ID {
			continue
		}
		if strings.EqualFold(other.Username, a.Username) || strings.EqualFold(other.Email, a.Email) {
			return domain.Errorf(domain.ErrConflict, "username or email already taken")
		}
	}
	tx.d.accounts[a.ID] = a
	return nil
}

func (tx *memTx) InsertGroup(_ context.Context, g domain.Group) error {
	if _, ok := tx.d.accounts[g.OwnerID]; !ok {
		return domain.Errorf(domain.ErrNotFound, "account %s", g.OwnerID)
	}
	if _, ok := tx.d.groups[g.ID]; ok {
		return domain.Errorf(domain.ErrConflict, "group %s exists", g.ID)
	}
	g.MemberIDs = nil
	tx.d.groups[g.ID] = g
	return nil
}

func (tx *memTx) UpdateGroup(_ context.Context, g domain.Group) error {
	cur, ok := tx.d.groups[g.ID]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "group %s", g.ID)
	}
	cur.Title = g.Title
	cur.Description = g.Description
	cur.LastModifiedAt = g.LastModifiedAt
	cur.DeletedAt = g.DeletedAt
	tx.d.groups[g.ID] = cur
	return nil
}

func (tx *memTx) UpsertMembership(_ context.Context, mem domain.Membership) error {
	if _, ok := tx.d.accounts[mem.AccountID]; !ok {
		return domain.Errorf(domain.ErrNotFound, "account %s", mem.AccountID)
	}
	if _, ok := tx.d.groups[mem.GroupID]; !ok {
		return domain.Errorf(domain.ErrNotFound, "group %s", mem.GroupID)
	}
	key := memberKey{mem.GroupID, mem.AccountID}
	mem.KickedAt = nil
	tx.d.members[key] = mem
	delete(tx.d.departures, key)
	return nil
}

func (tx *memTx) KickMembership(_ context.Context, groupID, accountID string, at time.Time) error {
	key := memberKey{groupID, accountID}
	mem, ok := tx.d.members[key]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "membership %s/%s", groupID, accountID)
	}
	kicked := at
	mem.KickedAt = &kicked
	tx.d.members[key] = mem
	return nil
}

func (tx *memTx) DeleteMembership(_ context.Context, groupID, accountID string, at time.Time) error {
	key := memberKey{groupID, accountID}
	if _, ok := tx.d.members[key]; !ok {
		return domain.Errorf(domain.ErrNotFound, "membership %s/%s", groupID, accountID)
	}
	delete(tx.d.members, key)
	tx.d.departures[key] = at
	return nil
}

func (tx *memTx) ClearAssignee(_ context.Context, groupID, accountID string, at time.Time) ([]string, error) {
	var affected []string
	for id, w := range tx.d.items {
		if w.GroupID != groupID || w.Deleted() {
			continue
		}
		assigned := w.AssignedTo(accountID)
		completer := w.CompletedBy == accountID
		if !assigned && !completer {
			continue
		}
		w.AssigneeIDs = slices.DeleteFunc(slices.Clone(w.AssigneeIDs), func(s string) bool { return s == accountID })
		if completer {
			w.CompletedBy = ""
		}
		w.LastModifiedAt = at
		tx.d.items[id] = w
		affected = append(affected, id)
	}
	slices.Sort(affected)
	return affected, nil
}

func (tx *memTx) InsertWorkItem(_ context.Context, w domain.WorkItem) error {
	g, ok := tx.d.groups[w.GroupID]
	if !ok || g.Deleted() {
		return domain.Errorf(domain.ErrNotFound, "group %s", w.GroupID)
	}
	if _, ok := tx.d.items[w.ID]; ok {
		return domain.Errorf(domain.ErrConflict, "work item %s exists", w.ID)
	}
	w.AssigneeIDs = slices.Clone(w.AssigneeIDs)
	tx.d.items[w.ID] = w
	return nil
}

func (tx *memTx) UpdateWorkItem(_ context.Context, w domain.WorkItem) error {
	cur, ok := tx.d.items[w.ID]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "work item %s", w.ID)
	}
	cur.Title = w.Title
	cur.Description = w.Description
	cur.LastModifiedAt = w.LastModifiedAt
	cur.DeletedAt = w.DeletedAt
	cur.AssigneeIDs = slices.Clone(w.AssigneeIDs)
	cur.CompletedBy = w.CompletedBy
	tx.d.items[w.ID] = cur
	return nil
}
