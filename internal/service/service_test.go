package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) OnGroupCreated(_ context.Context, g string) { r.add("group.created %s", g) }
func (r *recorder) OnGroupUpdated(_ context.Context, g string) { r.add("group.updated %s", g) }
func (r *recorder) OnGroupDeleted(_ context.Context, g string) { r.add("group.deleted %s", g) }
func (r *recorder) OnMembershipGranted(_ context.Context, g, a string) {
	r.add("granted %s %s", g, a)
}
func (r *recorder) OnMembershipRevoked(_ context.Context, g, a string, cleared []string) {
	r.add("revoked %s %s %v", g, a, cleared)
}
func (r *recorder) OnMembershipLeft(_ context.Context, g, a string, cleared []string) {
	r.add("left %s %s %v", g, a, cleared)
}
func (r *recorder) OnWorkItemCreated(_ context.Context, w string) { r.add("item.created %s", w) }
func (r *recorder) OnWorkItemUpdated(_ context.Context, w string) { r.add("item.updated %s", w) }
func (r *recorder) OnWorkItemDeleted(_ context.Context, w string) { r.add("item.deleted %s", w) }
func (r *recorder) OnAccountUpdated(_ context.Context, a string)  { r.add("account.updated %s", a) }

type fixture struct {
	svc   *Service
	st    *store.Memory
	rec   *recorder
	owner domain.Account
	alice domain.Account
	bob   domain.Account
	group domain.Group
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := store.NewMemory(store.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	rec := &recorder{}
	f := &fixture{svc: New(st, rec), st: st, rec: rec}
	ctx := context.Background()

	register := func(name string) domain.Account {
		a, err := f.svc.Register(ctx, Registration{
			Email: name + "@example.com", Username: name, FirstName: name, LastName: "Test",
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
		return a
	}
	f.owner, f.alice, f.bob = register("owner"), register("alice"), register("bob")

	g, err := f.svc.CreateGroup(ctx, f.owner.ID, NewGroup{Title: "Chores"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	f.group = g
	if _, err := f.svc.GrantAccess(ctx, f.owner.ID, g.ID, "alice"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return f
}

func ptr[T any](v T) *T { return &v }

func TestCreateGroupNotifiesAfterCommit(t *testing.T) {
	f := newFixture(t)
	g, err := f.svc.CreateGroup(context.Background(), f.bob.ID, NewGroup{Title: "  Trip  ", Description: "beach"})
	if err != nil {
		t.Fatal(err)
	}
	if g.Title != "Trip" || g.OwnerID != f.bob.ID {
		t.Fatalf("unexpected group %+v", g)
	}
	if want := "group.created " + g.ID; f.rec.last() != want {
		t.Fatalf("last event %q, want %q", f.rec.last(), want)
	}
}

func TestCreateGroupValidation(t *testing.T) {
	f := newFixture(t)
	before := f.rec.count()
	_, err := f.svc.CreateGroup(context.Background(), f.owner.ID, NewGroup{Title: "   "})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.rec.count() != before {
		t.Fatal("failed mutation must not notify")
	}
}

func TestGroupMutationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gid := f.group.ID

	cases := []struct {
		name string
		run  func() error
		want error
	}{
		{"member cannot edit", func() error {
			_, err := f.svc.UpdateGroup(ctx, f.alice.ID, gid, GroupPatch{Title: ptr("x")})
			return err
		}, domain.ErrForbidden},
		{"access checked before validation", func() error {
			_, err := f.svc.UpdateGroup(ctx, f.bob.ID, gid, GroupPatch{Title: ptr("")})
			return err
		}, domain.ErrForbidden},
		{"same details", func() error {
			_, err := f.svc.UpdateGroup(ctx, f.owner.ID, gid, GroupPatch{Title: ptr("Chores")})
			return err
		}, domain.ErrConflict},
		{"empty patch", func() error {
			_, err := f.svc.UpdateGroup(ctx, f.owner.ID, gid, GroupPatch{})
			return err
		}, domain.ErrValidation},
		{"unknown group", func() error {
			_, err := f.svc.UpdateGroup(ctx, f.owner.ID, "nope", GroupPatch{Title: ptr("x")})
			return err
		}, domain.ErrNotFound},
		{"grant self", func() error {
			_, err := f.svc.GrantAccess(ctx, f.owner.ID, gid, "owner")
			return err
		}, domain.ErrValidation},
		{"grant twice", func() error {
			_, err := f.svc.GrantAccess(ctx, f.owner.ID, gid, "ALICE")
			return err
		}, domain.ErrConflict},
		{"grant unknown user", func() error {
			_, err := f.svc.GrantAccess(ctx, f.owner.ID, gid, "ghost")
			return err
		}, domain.ErrNotFound},
		{"member cannot grant", func() error {
			_, err := f.svc.GrantAccess(ctx, f.alice.ID, gid, "bob")
			return err
		}, domain.ErrForbidden},
		{"revoke non member", func() error {
			return f.svc.RevokeAccess(ctx, f.owner.ID, gid, "bob")
		}, domain.ErrConflict},
		{"revoke self", func() error {
			return f.svc.RevokeAccess(ctx, f.owner.ID, gid, "owner")
		}, domain.ErrValidation},
		{"owner cannot leave", func() error {
			return f.svc.LeaveGroup(ctx, f.owner.ID, gid)
		}, domain.ErrForbidden},
		{"stranger cannot leave", func() error {
			return f.svc.LeaveGroup(ctx, f.bob.ID, gid)
		}, domain.ErrForbidden},
		{"member cannot delete", func() error {
			return f.svc.DeleteGroup(ctx, f.alice.ID, gid)
		}, domain.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestGrantBumpsGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before, _ := f.st.Group(ctx, f.group.ID)

	if _, err := f.svc.GrantAccess(ctx, f.owner.ID, f.group.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	after, _ := f.st.Group(ctx, f.group.ID)
	if !after.LastModifiedAt.After(before.LastModifiedAt) {
		t.Fatalf("grant must bump the group: %v -> %v", before.LastModifiedAt, after.LastModifiedAt)
	}
	if !slices.Contains(after.MemberIDs, f.bob.ID) {
		t.Fatalf("bob not a member: %v", after.MemberIDs)
	}
	if want := fmt.Sprintf("granted %s %s", f.group.ID, f.bob.ID); f.rec.last() != want {
		t.Fatalf("last event %q, want %q", f.rec.last(), want)
	}
}

func TestRevokeClearsAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "Dishes", AssigneeIDs: []string{f.alice.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.UpdateWorkItem(ctx, f.alice.ID, w.ID, WorkItemPatch{Completed: ptr(true)}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.RevokeAccess(ctx, f.owner.ID, f.group.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	got, _ := f.st.WorkItem(ctx, w.ID)
	if len(got.AssigneeIDs) != 0 || got.CompletedBy != "" {
		t.Fatalf("revoke left assignment behind: %+v", got)
	}
	if want := fmt.Sprintf("revoked %s %s [%s]", f.group.ID, f.alice.ID, w.ID); f.rec.last() != want {
		t.Fatalf("last event %q, want %q", f.rec.last(), want)
	}
	if _, err := f.svc.GetGroup(ctx, f.alice.ID, f.group.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("kicked member can still read the group: %v", err)
	}
	if _, err := f.svc.GrantAccess(ctx, f.owner.ID, f.group.ID, "alice"); err != nil {
		t.Fatalf("regrant after kick: %v", err)
	}
}

func TestLeaveClearsAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, err := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "Laundry", AssigneeIDs: []string{f.alice.ID}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.LeaveGroup(ctx, f.alice.ID, f.group.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := f.st.WorkItem(ctx, w.ID)
	if got.AssignedTo(f.alice.ID) {
		t.Fatalf("leave left assignment behind: %+v", got)
	}
	if want := fmt.Sprintf("left %s %s [%s]", f.group.ID, f.alice.ID, w.ID); f.rec.last() != want {
		t.Fatalf("last event %q, want %q", f.rec.last(), want)
	}
}

func TestWorkItemPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine, _ := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "Mine", AssigneeIDs: []string{f.alice.ID}})
	other, _ := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "Other"})

	if _, err := f.svc.CreateWorkItem(ctx, f.alice.ID, f.group.ID, NewWorkItem{Title: "x"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("member created a work item: %v", err)
	}
	if _, err := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "x", AssigneeIDs: []string{f.bob.ID}}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("non-member assignee accepted: %v", err)
	}
	if _, err := f.svc.UpdateWorkItem(ctx, f.alice.ID, mine.ID, WorkItemPatch{Title: ptr("renamed")}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("member renamed a work item: %v", err)
	}
	if _, err := f.svc.UpdateWorkItem(ctx, f.alice.ID, other.ID, WorkItemPatch{Completed: ptr(true)}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("member completed an unassigned item: %v", err)
	}
	if _, err := f.svc.UpdateWorkItem(ctx, f.bob.ID, mine.ID, WorkItemPatch{Completed: ptr(true)}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger completed an item: %v", err)
	}

	done, err := f.svc.UpdateWorkItem(ctx, f.alice.ID, mine.ID, WorkItemPatch{Completed: ptr(true)})
	if err != nil || done.CompletedBy != f.alice.ID {
		t.Fatalf("complete: %+v, %v", done, err)
	}
	if !done.LastModifiedAt.After(mine.LastModifiedAt) {
		t.Fatal("update must bump the work item")
	}
	if _, err := f.svc.UpdateWorkItem(ctx, f.alice.ID, mine.ID, WorkItemPatch{Completed: ptr(true)}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("completing twice: %v", err)
	}
	if err := f.svc.DeleteWorkItem(ctx, f.alice.ID, mine.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("member deleted a work item: %v", err)
	}
}

func TestWorkItemReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "First"})
	second, _ := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "Second"})

	all, err := f.svc.ListWorkItems(ctx, f.alice.ID, f.group.ID, time.Time{})
	if err != nil || len(all) != 2 {
		t.Fatalf("member list: %+v, %v", all, err)
	}
	recent, err := f.svc.ListWorkItems(ctx, f.alice.ID, f.group.ID, first.LastModifiedAt)
	if err != nil || len(recent) != 1 || recent[0].ID != second.ID {
		t.Fatalf("since must be exclusive: %+v, %v", recent, err)
	}

	got, err := f.svc.GetWorkItem(ctx, f.alice.ID, first.ID)
	if err != nil || got.Title != "First" {
		t.Fatalf("get: %+v, %v", got, err)
	}

	if _, err := f.svc.ListWorkItems(ctx, f.bob.ID, f.group.ID, time.Time{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger listed work items: %v", err)
	}
	if _, err := f.svc.GetWorkItem(ctx, f.bob.ID, first.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger read a work item: %v", err)
	}
	if _, err := f.svc.GetWorkItem(ctx, f.alice.ID, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing item: %v", err)
	}

	if err := f.svc.DeleteWorkItem(ctx, f.owner.ID, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetWorkItem(ctx, f.owner.ID, first.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleted item still readable: %v", err)
	}
}

func TestDeleteWorkItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w, _ := f.svc.CreateWorkItem(ctx, f.owner.ID, f.group.ID, NewWorkItem{Title: "Gone"})
	if err := f.svc.DeleteWorkItem(ctx, f.owner.ID, w.ID); err != nil {
		t.Fatal(err)
	}
	if want := "item.deleted " + w.ID; f.rec.last() != want {
		t.Fatalf("last event %q, want %q", f.rec.last(), want)
	}
	if err := f.svc.DeleteWorkItem(ctx, f.owner.ID, w.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleting twice: %v", err)
	}
	if _, err := f.svc.UpdateWorkItem(ctx, f.owner.ID, w.ID, WorkItemPatch{Title: ptr("x")}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("updating a deleted item: %v", err)
	}
}

func TestDeleteGroupHidesIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.svc.DeleteGroup(ctx, f.owner.ID, f.group.ID); err != nil {
		t.Fatal(err)
	}
	groups, err := f.svc.ListGroups(ctx, f.alice.ID)
	if err != nil || len(groups) != 0 {
		t.Fatalf("deleted group still listed: %v, %v", groups, err)
	}
	if err := f.svc.DeleteGroup(ctx, f.owner.ID, f.group.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("deleting twice: %v", err)
	}
}

func TestListGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	groups, err := f.svc.ListGroups(ctx, f.alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].Group.ID != f.group.ID || groups[0].Owner.ID != f.owner.ID {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if groups, _ := f.svc.ListGroups(ctx, f.bob.ID); len(groups) != 0 {
		t.Fatalf("bob sees groups: %+v", groups)
	}
}

func TestRegisterConflicts(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), Registration{
		Email: "other@example.com", Username: "Alice", FirstName: "A", LastName: "B",
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.alice.Role != DefaultRole {
		t.Fatalf("default role not applied: %q", f.alice.Role)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.svc.UpdateProfile(ctx, f.alice.ID, ProfilePatch{FirstName: ptr("Alicia")})
	if err != nil {
		t.Fatal(err)
	}
	if a.FirstName != "Alicia" || !a.LastModifiedAt.After(f.alice.LastModifiedAt) {
		t.Fatalf("profile not updated: %+v", a)
	}
	if want := "account.updated " + f.alice.ID; f.rec.last() != want {
		t.Fatalf("last event %q, want %q", f.rec.last(), want)
	}
	if _, err := f.svc.UpdateProfile(ctx, f.alice.ID, ProfilePatch{FirstName: ptr("Alicia")}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("no-op update: %v", err)
	}
	if _, err := f.svc.UpdateProfile(ctx, f.alice.ID, ProfilePatch{Username: ptr("bob")}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("taken username: %v", err)
	}
	if _, err := f.svc.UpdateProfile(ctx, f.alice.ID, ProfilePatch{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty patch: %v", err)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	st := store.NewMemory()
	svc := New(st, nil, WithLogger(zap.New(core)))
	ctx := context.Background()

	a, err := svc.Register(ctx, Registration{Email: "o@example.com", Username: "owner", FirstName: "O", LastName: "O"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateGroup(ctx, a.ID, NewGroup{Title: "G"}); err != nil {
		t.Fatal(err)
	}
	var events []string
	for _, e := range logs.FilterMessage("audit").All() {
		events = append(events, e.ContextMap()["event"].(string))
	}
	if !slices.Equal(events, []string{"account.registered", "group.created"}) {
		t.Fatalf("unexpected audit events %v", events)
	}
}

func TestStampIsStrictlyIncreasing(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		now, prev, want time.Time
	}{
		{base.Add(time.Second), base, base.Add(time.Second)},
		{base, base, base.Add(time.Microsecond)},
		{base.Add(-time.Hour), base, base.Add(time.Microsecond)},
	}
	for _, tc := range cases {
		if got := stamp(tc.now, tc.prev); !got.Equal(tc.want) {
			t.Errorf("stamp(%v, %v) = %v, want %v", tc.now, tc.prev, got, tc.want)
		}
	}
}
