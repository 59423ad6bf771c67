package fanout

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Dangere/syncora-backend/internal/channels"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/payload"
	"github.com/Dangere/syncora-backend/internal/registry"
	"github.com/Dangere/syncora-backend/internal/store"
	"github.com/Dangere/syncora-backend/internal/stream"
)

type sent struct {
	target string
	event  string
	except []string
}

type fakeTransport struct {
	sent   []sent
	joined map[string][]string
}

func (f *fakeTransport) JoinChannel(connID, channel string) {
	if f.joined == nil {
		f.joined = map[string][]string{}
	}
	f.joined[channel] = append(f.joined[channel], connID)
}

func (f *fakeTransport) LeaveChannel(connID, channel string) {
	if f.joined == nil {
		return
	}
	f.joined[channel] = slices.DeleteFunc(f.joined[channel], func(s string) bool { return s == connID })
}

func (f *fakeTransport) SendToChannel(channel string, frame []byte, except ...string) stream.Delivery {
	f.sent = append(f.sent, sent{target: channel, event: eventOf(frame), except: except})
	return stream.Delivery{Delivered: 1}
}

func (f *fakeTransport) SendToAccount(accountID string, frame []byte) stream.Delivery {
	f.sent = append(f.sent, sent{target: stream.AccountChannel(accountID), event: eventOf(frame)})
	return stream.Delivery{Delivered: 1}
}

func eventOf(frame []byte) string {
	var e payload.Event
	_ = json.Unmarshal(frame, &e)
	return e.Kind
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}

type stubReader struct {
	store.Reader
	state domain.GroupState
	// revoked accounts keep showing up in state but no longer have access.
	revoked []string
}

func (s stubReader) GroupState(_ context.Context, id string) (domain.GroupState, error) {
	if id != s.state.Group.ID {
		return domain.GroupState{}, domain.Errorf(domain.ErrNotFound, "group %s", id)
	}
	return s.state, nil
}

func (s stubReader) Group(ctx context.Context, id string) (domain.Group, error) {
	st, err := s.GroupState(ctx, id)
	return st.Group, err
}

func (s stubReader) AccessibleGroupIDs(_ context.Context, accountID string) ([]string, error) {
	if slices.Contains(s.revoked, accountID) {
		return nil, nil
	}
	if accountID == s.state.Group.OwnerID {
		return []string{s.state.Group.ID}, nil
	}
	for _, m := range s.state.Members {
		if m.AccountID == accountID {
			return []string{s.state.Group.ID}, nil
		}
	}
	return nil, nil
}

func setup(t *testing.T, logger *zap.Logger) (*Dispatcher, *fakeTransport, *registry.Registry) {
	t.Helper()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	state := domain.GroupState{
		Group: domain.Group{ID: "g1", Title: "G", OwnerID: "owner", CreatedAt: at, LastModifiedAt: at, MemberIDs: []string{"m1"}},
		Owner: domain.Account{ID: "owner", CreatedAt: at},
		Members: []domain.Member{{
			Membership: domain.Membership{GroupID: "g1", AccountID: "m1", JoinedAt: at},
			Account:    domain.Account{ID: "m1", CreatedAt: at},
		}},
	}
	tr := &fakeTransport{}
	reg := registry.New()
	reg.Add("owner", "c-owner")
	reg.Add("m1", "c-m1a")
	reg.Add("m1", "c-m1b")
	ch := channels.New(reg, tr, zap.NewNop())
	d := New(stubReader{state: state}, ch, reg, tr, WithLogger(logger), WithClock(func() time.Time { return at }))
	return d, tr, reg
}

func TestGrantSendsSnapshotBeforeBroadcastAndSubscribe(t *testing.T) {
	d, tr, _ := setup(t, zap.NewNop())
	d.MembershipGranted(context.Background(), "g1", "m1")

	if len(tr.sent) != 2 {
		t.Fatalf("sent %+v", tr.sent)
	}
	if tr.sent[0].event != payload.KindAccessGranted || tr.sent[0].target != stream.AccountChannel("m1") {
		t.Fatalf("first send %+v", tr.sent[0])
	}
	if tr.sent[1].event != payload.KindMemberJoined || tr.sent[1].target != stream.GroupChannel("g1") {
		t.Fatalf("second send %+v", tr.sent[1])
	}
	if !slices.Equal(sorted(tr.sent[1].except), []string{"c-m1a", "c-m1b"}) {
		t.Fatalf("broadcast must skip the grantee's connections, skipped %v", tr.sent[1].except)
	}
	if got := tr.joined[stream.GroupChannel("g1")]; !slices.Equal(sorted(got), []string{"c-m1a", "c-m1b"}) {
		t.Fatalf("joined %v", got)
	}
}

func TestRemovalExcludesRemovedAccount(t *testing.T) {
	d, tr, _ := setup(t, zap.NewNop())
	d.channels.SubscribeAccountToGroup("m1", "g1")
	d.MembershipRevoked(context.Background(), "g1", "m1", nil)

	if events := []string{tr.sent[0].event, tr.sent[1].event}; !slices.Equal(events, []string{payload.KindAccessLost, payload.KindMemberRemoved}) {
		t.Fatalf("events %v", events)
	}
	if !slices.Equal(sorted(tr.sent[1].except), []string{"c-m1a", "c-m1b"}) {
		t.Fatalf("removed account not excluded: %v", tr.sent[1].except)
	}
	if got := tr.joined[stream.GroupChannel("g1")]; len(got) != 0 {
		t.Fatalf("still joined %v", got)
	}
}

func TestReadFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	d, tr, _ := setup(t, zap.New(core))

	d.GroupUpdated(context.Background(), "missing")
	d.MembershipGranted(context.Background(), "missing", "m1")

	if len(tr.sent) != 0 {
		t.Fatalf("nothing should be sent, got %+v", tr.sent)
	}
	if n := logs.FilterMessage("push skipped").Len(); n != 2 {
		t.Fatalf("expected 2 warnings, got %d", n)
	}
}

func TestGroupDeletedDissolvesEveryone(t *testing.T) {
	d, tr, _ := setup(t, zap.NewNop())
	d.channels.SubscribeAccountToGroup("owner", "g1")
	d.channels.SubscribeAccountToGroup("m1", "g1")

	d.GroupDeleted(context.Background(), "g1")

	if len(tr.sent) != 1 || tr.sent[0].event != payload.KindGroupDeleted {
		t.Fatalf("sent %+v", tr.sent)
	}
	if got := tr.joined[stream.GroupChannel("g1")]; len(got) != 0 {
		t.Fatalf("still joined %v", got)
	}
}

func TestGrantAfterRevokeIsDropped(t *testing.T) {
	d, tr, _ := setup(t, zap.NewNop())
	d.channels.SubscribeAccountToGroup("m1", "g1")

	// The revoke committed after the grant and its hook ran first.
	after := d.store.(stubReader)
	after.state.Members = nil
	after.state.Group.MemberIDs = nil
	d.store = after

	d.MembershipRevoked(context.Background(), "g1", "m1", nil)
	d.MembershipGranted(context.Background(), "g1", "m1")

	if got := tr.joined[stream.GroupChannel("g1")]; len(got) != 0 {
		t.Fatalf("revoked member still joined: %v", got)
	}
	var toMember []string
	for _, s := range tr.sent {
		if s.target == stream.AccountChannel("m1") {
			toMember = append(toMember, s.event)
		}
	}
	if !slices.Equal(toMember, []string{payload.KindAccessLost}) {
		t.Fatalf("revoked member got %v", toMember)
	}

	tr.sent = nil
	d.GroupUpdated(context.Background(), "g1")
	if len(tr.sent) != 1 || tr.sent[0].target != stream.GroupChannel("g1") {
		t.Fatalf("sent %+v", tr.sent)
	}
	if got := tr.joined[stream.GroupChannel("g1")]; slices.Contains(got, "c-m1a") {
		t.Fatalf("later group push would reach the revoked member: %v", got)
	}
}

func TestGrantRechecksAccessAfterSubscribing(t *testing.T) {
	d, tr, _ := setup(t, zap.NewNop())
	// The grant read the group before the revoke committed.
	r := d.store.(stubReader)
	r.revoked = []string{"m1"}
	d.store = r

	d.MembershipGranted(context.Background(), "g1", "m1")

	if got := tr.joined[stream.GroupChannel("g1")]; len(got) != 0 {
		t.Fatalf("joined %v", got)
	}
	last := tr.sent[len(tr.sent)-1]
	if last.event != payload.KindAccessLost || last.target != stream.AccountChannel("m1") {
		t.Fatalf("last push %+v, want access.lost to m1", last)
	}
}
