package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/laurafang/swish/internal/event"
	"github.com/laurafang/swish/internal/follower"
	"github.com/laurafang/swish/internal/mailq"
	"github.com/laurafang/swish/internal/transport"
	"github.com/laurafang/swish/pkg/logx"
)

type fakePresence struct {
	mu      sync.Mutex
	notices map[string][]string
}

func newFakePresence() *fakePresence {
	return &fakePresence{notices: map[string][]string{}}
}

func (p *fakePresence) SendToAccount(account, notice string) {
	p.mu.Lock()
	p.notices[account] = append(p.notices[account], notice)
	p.mu.Unlock()
}

func (p *fakePresence) count(account string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.notices[account])
}

type fakeMail struct {
	mu   sync.Mutex
	sent []string // accounts
	fail error
}

func (m *fakeMail) SendMail(_ context.Context, account, _, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, account)
	return nil
}

func (m *fakeMail) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type fakeKicker struct {
	mu    sync.Mutex
	kicks int
}

func (k *fakeKicker) Kick() {
	k.mu.Lock()
	k.kicks++
	k.mu.Unlock()
}

type failingProfiles struct {
	inner   transport.Profiles
	failFor string
}

func (p *failingProfiles) Email(ctx context.Context, account string) (string, bool, error) {
	return p.inner.Email(ctx, account)
}

func (p *failingProfiles) DeliveryPreference(ctx context.Context, account string) (transport.Preference, error) {
	if account == p.failFor {
		return "", errors.New("profile store down")
	}
	return p.inner.DeliveryPreference(ctx, account)
}

type fixture struct {
	dispatcher *Dispatcher
	followers  *follower.Store
	queue      *mailq.Queue
	presence   *fakePresence
	mail       *fakeMail
	profiles   *transport.StaticProfiles
	kicker     *fakeKicker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	fs, err := follower.Open(follower.Config{Path: filepath.Join(dir, "followers.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("follower.Open: %v", err)
	}
	t.Cleanup(func() { _ = fs.Close() })

	fx := &fixture{
		followers: fs,
		queue:     mailq.New(filepath.Join(dir, "mail.jsonl"), logx.Nop()),
		presence:  newFakePresence(),
		mail:      &fakeMail{},
		profiles:  transport.NewStaticProfiles(),
		kicker:    &fakeKicker{},
	}
	fx.dispatcher = New(Config{}, fs, fx.queue, fx.presence, fx.mail, fx.profiles, fx.kicker, logx.Nop())
	return fx
}

func updatedEvent(author string) event.Event {
	return event.Updated{Commit: event.Commit{Document: "doc1", Account: author, Message: "edit"}}
}

func TestDailyPreferenceEnqueuesNewRecord(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefDaily})

	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	recs, err := fx.queue.DrainAndClaim()
	if err != nil {
		t.Fatalf("DrainAndClaim: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 queued record, got %d", len(recs))
	}
	if recs[0].State != mailq.StateNew || recs[0].Account != "alice" {
		t.Fatalf("unexpected record: %+v", recs[0])
	}
	if len(fx.mail.sentTo()) != 0 {
		t.Fatal("daily mode must not send immediately")
	}
	if fx.presence.count("alice") != 1 {
		t.Fatalf("expected 1 presence notice, got %d", fx.presence.count("alice"))
	}
}

func TestImmediatePreferenceSendsNow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefImmediate})

	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if got := fx.mail.sentTo(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected one immediate send to alice, got %v", got)
	}
	recs, err := fx.queue.DrainAndClaim()
	if err != nil {
		t.Fatalf("DrainAndClaim: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty queue after successful send, got %v", recs)
	}
}

func TestImmediateFailureFallsBackToQueue(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefImmediate})
	fx.mail.fail = errors.New("relay unavailable")

	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	recs, err := fx.queue.DrainAndClaim()
	if err != nil {
		t.Fatalf("DrainAndClaim: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected fallback record, got %d", len(recs))
	}
	// The failed immediate attempt must not pre-consume retry budget.
	if recs[0].State != mailq.StateNew {
		t.Fatalf("expected state new, got %q", recs[0].State)
	}
	if fx.kicker.kicks != 1 {
		t.Fatalf("expected one drain kick, got %d", fx.kicker.kicks)
	}
}

func TestSelfExclusion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefImmediate})

	// alice edits her own document.
	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("alice")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if fx.presence.count("alice") != 0 {
		t.Fatal("self-originated event must not produce a presence notice")
	}
	if len(fx.mail.sentTo()) != 0 {
		t.Fatal("self-originated event must not produce mail")
	}

	// The diagnostic override re-enables self-notification.
	fx.dispatcher.Apply(Config{NotifySelf: true})
	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("alice")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if fx.presence.count("alice") != 1 {
		t.Fatal("expected presence notice with NotifySelf override")
	}
}

func TestFlagGating(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// alice only wants chat notifications.
	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassChat}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefImmediate})

	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(fx.mail.sentTo()) != 0 {
		t.Fatal("update event must not mail a chat-only follower")
	}
	// Presence is attempted regardless of flags.
	if fx.presence.count("alice") != 1 {
		t.Fatalf("expected presence notice, got %d", fx.presence.count("alice"))
	}

	chat := event.Chat{Doc: "doc1", Account: "bob", Message: "hello"}
	if err := fx.dispatcher.HandleEvent(ctx, chat); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := fx.mail.sentTo(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected chat mail to alice, got %v", got)
	}
}

func TestNeverPreferenceSkipsMail(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefNever})

	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(fx.mail.sentTo()) != 0 {
		t.Fatal("never preference must not mail")
	}
	recs, err := fx.queue.DrainAndClaim()
	if err != nil {
		t.Fatalf("DrainAndClaim: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("never preference must not enqueue, got %v", recs)
	}
}

func TestPerFollowerFailureIsolation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if err := fx.followers.Follow(ctx, "doc1", "carol", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Address: "alice@example.com", Preference: transport.PrefImmediate})
	fx.profiles.Set("carol", transport.StaticProfile{Address: "carol@example.com", Preference: transport.PrefImmediate})

	// alice's profile lookup blows up; carol must still be notified.
	broken := &failingProfiles{inner: fx.profiles, failFor: "alice"}
	d := New(Config{}, fx.followers, fx.queue, fx.presence, fx.mail, broken, fx.kicker, logx.Nop())

	if err := d.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if got := fx.mail.sentTo(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("expected carol to still receive mail, got %v", got)
	}
}

func TestMissingEmailSkipsImmediateSend(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if err := fx.followers.Follow(ctx, "doc1", "alice", []event.Class{event.ClassUpdate}); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	fx.profiles.Set("alice", transport.StaticProfile{Preference: transport.PrefImmediate})

	if err := fx.dispatcher.HandleEvent(ctx, updatedEvent("bob")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(fx.mail.sentTo()) != 0 {
		t.Fatal("no address, no mail")
	}
}
