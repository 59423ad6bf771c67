package delta

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/store"
)

type stubReader struct {
	store.Reader
	rows  store.DeltaRows
	err   error
	query store.DeltaQuery
}

func (s *stubReader) Delta(_ context.Context, q store.DeltaQuery) (store.DeltaRows, error) {
	s.query = q
	return s.rows, s.err
}

var (
	base  = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	since = base.Add(10 * time.Minute)
)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func account(id string, modified time.Time) domain.Account {
	return domain.Account{ID: id, Username: id, CreatedAt: base, LastModifiedAt: modified}
}

func state(groupModified time.Time) domain.GroupState {
	kicked := at(15)
	return domain.GroupState{
		Group: domain.Group{ID: "g1", OwnerID: "owner", CreatedAt: base, LastModifiedAt: groupModified, MemberIDs: []string{"m-old", "m-new"}},
		Owner: account("owner", at(1)),
		Members: []domain.Member{
			{Membership: domain.Membership{GroupID: "g1", AccountID: "m-old", JoinedAt: at(2)}, Account: account("m-old", at(2))},
			{Membership: domain.Membership{GroupID: "g1", AccountID: "m-new", JoinedAt: at(12)}, Account: account("m-new", at(2))},
			{Membership: domain.Membership{GroupID: "g1", AccountID: "m-gone", JoinedAt: at(12), KickedAt: &kicked}, Account: account("m-gone", at(20))},
		},
		WorkItems: []domain.WorkItem{
			{ID: "w-old", GroupID: "g1", CreatedAt: at(1), LastModifiedAt: at(3)},
			{ID: "w-new", GroupID: "g1", CreatedAt: at(2), LastModifiedAt: at(11)},
			{ID: "w-boundary", GroupID: "g1", CreatedAt: at(3), LastModifiedAt: since},
		},
	}
}

func ids[T any](items []T, id func(T) string) map[string]bool {
	out := map[string]bool{}
	for _, it := range items {
		out[id(it)] = true
	}
	return out
}

func accountIDs(p domain.DeltaPayload) map[string]bool {
	return ids(p.Accounts, func(a domain.Account) string { return a.ID })
}

func itemIDs(p domain.DeltaPayload) map[string]bool {
	return ids(p.WorkItems, func(w domain.WorkItem) string { return w.ID })
}

func TestUntouchedGroupEmitsOnlyChangedChildren(t *testing.T) {
	r := &stubReader{rows: store.DeltaRows{AsOf: at(30), Groups: []domain.GroupState{state(at(5))}}}
	p, err := New(r).Compute(context.Background(), "m-old", since, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Groups) != 0 {
		t.Fatalf("group not modified after since must not be emitted: %+v", p.Groups)
	}
	if got := accountIDs(p); len(got) != 1 || !got["m-new"] {
		t.Fatalf("expected only the newly joined member, got %v", got)
	}
	if got := itemIDs(p); len(got) != 1 || !got["w-new"] {
		t.Fatalf("expected only w-new (strict >), got %v", got)
	}
	if p.Tombstones != nil {
		t.Fatal("tombstones not requested")
	}
	if !p.Timestamp.Equal(at(30)) {
		t.Fatalf("unexpected timestamp %v", p.Timestamp)
	}
}

func TestTouchedGroupResurfacesEverything(t *testing.T) {
	r := &stubReader{rows: store.DeltaRows{AsOf: at(30), Groups: []domain.GroupState{state(at(14))}}}
	p, err := New(r).Compute(context.Background(), "m-new", since, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Groups) != 1 {
		t.Fatalf("touched group must be emitted")
	}
	got := accountIDs(p)
	if len(got) != 3 || !got["owner"] || !got["m-old"] || !got["m-new"] {
		t.Fatalf("expected owner and both active members, got %v", got)
	}
	if got["m-gone"] {
		t.Fatal("kicked member must never be emitted")
	}
	if got := itemIDs(p); len(got) != 3 {
		t.Fatalf("expected every live work item, got %v", got)
	}
}

func TestOwnerProfileChangeAloneIsEmitted(t *testing.T) {
	s := state(at(5))
	s.Owner.LastModifiedAt = at(20)
	r := &stubReader{rows: store.DeltaRows{AsOf: at(30), Groups: []domain.GroupState{s}}}
	p, _ := New(r).Compute(context.Background(), "m-old", since, false)
	if !accountIDs(p)["owner"] {
		t.Fatal("owner with a newer profile must be emitted")
	}
}

func TestAccountsDeduplicatedAcrossGroups(t *testing.T) {
	g1 := state(at(14))
	g2 := state(at(14))
	g2.Group.ID = "g2"
	r := &stubReader{rows: store.DeltaRows{AsOf: at(30), Groups: []domain.GroupState{g1, g2}}}
	p, _ := New(r).Compute(context.Background(), "owner", since, false)
	if len(p.Accounts) != 3 || len(p.Groups) != 2 {
		t.Fatalf("expected 3 unique accounts in 2 groups, got %d accounts %d groups", len(p.Accounts), len(p.Groups))
	}
}

func TestTombstonesPassedThrough(t *testing.T) {
	r := &stubReader{rows: store.DeltaRows{
		AsOf: at(30),
		Tombstones: domain.Tombstones{
			GroupsLeft:       []string{"g9"},
			GroupsDeleted:    []string{"g8"},
			WorkItemsDeleted: []string{"w7", "w7"},
		},
	}}
	p, err := New(r).Compute(context.Background(), "someone", since.In(time.FixedZone("X", 3600)), true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.query.Tombstones || r.query.Since.Location() != time.UTC || !r.query.Since.Equal(since) {
		t.Fatalf("unexpected query %+v", r.query)
	}
	tomb := p.Tombstones
	if tomb == nil || len(tomb.GroupsLeft) != 1 || len(tomb.GroupsDeleted) != 1 || len(tomb.WorkItemsDeleted) != 1 {
		t.Fatalf("unexpected tombstones %+v", tomb)
	}
}

func TestEmptyAccountGetsEmptyPayload(t *testing.T) {
	r := &stubReader{rows: store.DeltaRows{AsOf: at(30)}}
	p, err := New(r).Compute(context.Background(), "nobody", time.Time{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Empty() || p.Tombstones == nil {
		t.Fatalf("expected empty payload with empty tombstones, got %+v", p)
	}
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	r := &stubReader{err: errors.New("connection refused")}
	_, err := New(r).Compute(context.Background(), "a", since, false)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCommitSkewNeverGoesBelowSince(t *testing.T) {
	r := &stubReader{rows: store.DeltaRows{AsOf: at(30)}}
	p, _ := New(r, WithCommitSkew(2*time.Minute)).Compute(context.Background(), "a", since, false)
	if !p.Timestamp.Equal(at(28)) {
		t.Fatalf("expected skewed timestamp, got %v", p.Timestamp)
	}
	p, _ = New(r, WithCommitSkew(time.Hour)).Compute(context.Background(), "a", since, false)
	if !p.Timestamp.Equal(since) {
		t.Fatalf("timestamp must not fall below since, got %v", p.Timestamp)
	}
}
