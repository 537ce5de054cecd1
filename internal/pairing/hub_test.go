package pairing

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ayush68824/Qonv-back/internal/metrics"
	"github.com/ayush68824/Qonv-back/internal/protocol"
)

const testMediaOrigin = "http://media.test"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type hubFixture struct {
	hub     *Hub
	metrics *metrics.Metrics
	clock   *fakeClock
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	t.Helper()

	clock := newFakeClock()
	m := metrics.New()
	cfg.Metrics = m
	cfg.Clock = clock.Now
	if cfg.TrustedMediaOrigin == "" {
		cfg.TrustedMediaOrigin = testMediaOrigin
	}

	h := NewHub(cfg)
	go h.Run()
	t.Cleanup(h.Stop)

	return &hubFixture{hub: h, metrics: m, clock: clock}
}

func (f *hubFixture) connect(t *testing.T, id, name string) *Participant {
	t.Helper()
	p := NewParticipant(id, name, 16)
	if err := f.hub.Register(p); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
	return p
}

// pairUp connects x and y and drains their pre-pairing notifications so each
// test starts from a clean paired state.
func (f *hubFixture) pairUp(t *testing.T) (x, y *Participant) {
	t.Helper()
	x = f.connect(t, "x", "X")
	expect(t, x, protocol.EventWaiting)
	y = f.connect(t, "y", "Y")
	if ev := expect(t, x, protocol.EventMatched); ev.Partner != "Y" {
		t.Fatalf("x matched with %q, want Y", ev.Partner)
	}
	if ev := expect(t, y, protocol.EventMatched); ev.Partner != "X" {
		t.Fatalf("y matched with %q, want X", ev.Partner)
	}
	return x, y
}

// expect reads the next event, skipping users_online broadcasts unless that
// is what the test asked for, and fails on anything but the wanted type.
func expect(t *testing.T, p *Participant, want protocol.EventType) protocol.ServerEvent {
	t.Helper()
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				t.Fatalf("%s: outbox closed while waiting for %q", p.ID, want)
			}
			if ev.Type == protocol.EventUsersOnline && want != protocol.EventUsersOnline {
				continue
			}
			if ev.Type != want {
				t.Fatalf("%s: got event %q, want %q", p.ID, ev.Type, want)
			}
			return ev
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: timed out waiting for %q", p.ID, want)
		}
	}
}

// expectNone asserts the outbox holds nothing but users_online broadcasts.
// Hub operations are synchronous, so no wait is needed.
func expectNone(t *testing.T, p *Participant) {
	t.Helper()
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return
			}
			if ev.Type == protocol.EventUsersOnline {
				continue
			}
			t.Fatalf("%s: unexpected event %q", p.ID, ev.Type)
		default:
			return
		}
	}
}

// checkInvariants asserts partner-link symmetry and queue exclusivity on the
// hub goroutine, between operations.
func checkInvariants(t *testing.T, h *Hub) {
	t.Helper()
	done := make(chan struct{})
	h.inspect <- func() {
		defer close(done)
		h.registry.each(func(p *Participant) {
			if p.partnerID != "" {
				q := h.registry.get(p.partnerID)
				if q == nil {
					t.Errorf("%s: partner %s not registered", p.ID, p.partnerID)
					return
				}
				if q.partnerID != p.ID {
					t.Errorf("asymmetric link: %s->%s but %s->%s", p.ID, p.partnerID, q.ID, q.partnerID)
				}
				if h.queue.contains(p.ID) {
					t.Errorf("%s is paired and enqueued", p.ID)
				}
			} else if !h.queue.contains(p.ID) {
				t.Errorf("%s is unmatched but not enqueued", p.ID)
			}
		})
	}
	<-done
}

func TestFirstParticipantWaitsSecondMatches(t *testing.T) {
	f := newHubFixture(t, Config{})

	x := f.connect(t, "x", "X")
	if ev := expect(t, x, protocol.EventUsersOnline); ev.Count != 1 {
		t.Fatalf("users_online count = %d, want 1", ev.Count)
	}
	expect(t, x, protocol.EventWaiting)

	y := f.connect(t, "y", "Y")
	if ev := expect(t, x, protocol.EventMatched); ev.Partner != "Y" {
		t.Fatalf("x matched with %q, want Y", ev.Partner)
	}
	if ev := expect(t, y, protocol.EventMatched); ev.Partner != "X" {
		t.Fatalf("y matched with %q, want X", ev.Partner)
	}

	checkInvariants(t, f.hub)
}

func TestMessageTruncatedTrimmedAndAttributed(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventMessage, Text: "hello "})
	ev := expect(t, y, protocol.EventMessage)
	if ev.Text != "hello" || ev.From != "X" {
		t.Fatalf("got {text:%q from:%q}, want {hello X}", ev.Text, ev.From)
	}
	if ev.Timestamp == 0 {
		t.Fatalf("relayed message missing timestamp")
	}

	long := strings.Repeat("a", protocol.MaxTextRunes+200)
	f.hub.HandleEvent("y", protocol.ClientEvent{Type: protocol.EventMessage, Text: long})
	ev = expect(t, x, protocol.EventMessage)
	if len([]rune(ev.Text)) != protocol.MaxTextRunes {
		t.Fatalf("relayed text length = %d runes, want %d", len([]rune(ev.Text)), protocol.MaxTextRunes)
	}

	// Whitespace-only text is dropped, not relayed.
	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventMessage, Text: "   "})
	expectNone(t, y)

	if got := f.metrics.Get(metrics.MessagesRelayed); got != 2 {
		t.Fatalf("messages_relayed_total = %d, want 2", got)
	}
}

func TestDisconnectFreesPartnerForNewArrival(t *testing.T) {
	f := newHubFixture(t, Config{})
	_, y := f.pairUp(t)

	f.hub.Unregister("x")
	expect(t, y, protocol.EventWaiting)
	checkInvariants(t, f.hub)

	z := f.connect(t, "z", "Z")
	if ev := expect(t, y, protocol.EventMatched); ev.Partner != "Z" {
		t.Fatalf("y matched with %q, want Z", ev.Partner)
	}
	expect(t, z, protocol.EventMatched)
	checkInvariants(t, f.hub)
}

func TestSkipRequeuesBothWithoutInstantRematch(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventSkip})
	expect(t, x, protocol.EventWaiting)
	expect(t, y, protocol.EventWaiting)
	checkInvariants(t, f.hub)

	// The skipped partner was enqueued first, so a new arrival pairs with it.
	z := f.connect(t, "z", "Z")
	if ev := expect(t, z, protocol.EventMatched); ev.Partner != "Y" {
		t.Fatalf("z matched with %q, want Y", ev.Partner)
	}
	expect(t, y, protocol.EventMatched)
	checkInvariants(t, f.hub)
}

func TestSkipMatchesQueuedThirdParty(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)
	_ = x

	z := f.connect(t, "z", "Z")
	expect(t, z, protocol.EventWaiting)

	// The freed partner takes the queued third party; the skipper waits.
	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventSkip})
	if ev := expect(t, y, protocol.EventMatched); ev.Partner != "Z" {
		t.Fatalf("y matched with %q, want Z", ev.Partner)
	}
	expect(t, z, protocol.EventMatched)
	expect(t, x, protocol.EventWaiting)
	checkInvariants(t, f.hub)
}

func TestSkipWithoutPartnerIsNoop(t *testing.T) {
	f := newHubFixture(t, Config{})
	x := f.connect(t, "x", "X")
	expect(t, x, protocol.EventWaiting)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventSkip})
	expectNone(t, x)
	checkInvariants(t, f.hub)
}

func TestNoSelfDelivery(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventMessage, Text: "hi"})
	expect(t, y, protocol.EventMessage)
	expectNone(t, x)
}

func TestMessageDroppedWhenPartnerGone(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, _ := f.pairUp(t)

	f.hub.Unregister("y")
	expect(t, x, protocol.EventWaiting)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventMessage, Text: "anyone there?"})
	expectNone(t, x)
	if got := f.metrics.Get(metrics.RelayDropped); got == 0 {
		t.Fatalf("relay_dropped_total = 0, want > 0")
	}
	if got := f.metrics.Get(metrics.MessagesRelayed); got != 0 {
		t.Fatalf("messages_relayed_total = %d, want 0", got)
	}
}

func TestMediaRelayRequiresTrustedOrigin(t *testing.T) {
	f := newHubFixture(t, Config{})
	_, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{
		Type:      protocol.EventMediaMessage,
		URL:       testMediaOrigin + "/media/cat.png",
		MediaType: "image/png",
	})
	ev := expect(t, y, protocol.EventMediaMessage)
	if ev.URL != testMediaOrigin+"/media/cat.png" || ev.MediaType != "image/png" || ev.From != "X" {
		t.Fatalf("unexpected media event: %+v", ev)
	}

	f.hub.HandleEvent("x", protocol.ClientEvent{
		Type:      protocol.EventMediaMessage,
		URL:       "http://evil.test/media/cat.png",
		MediaType: "image/png",
	})
	expectNone(t, y)
	if got := f.metrics.Get(metrics.MediaRelayed); got != 1 {
		t.Fatalf("media_relayed_total = %d, want 1", got)
	}
}

func TestSignalingRelayedVerbatimWithFrom(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	candidate := `{"candidate":"candidate:1 1 UDP 2122252543 192.0.2.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`
	f.hub.HandleEvent("x", protocol.ClientEvent{
		Type:      protocol.EventCallICECandidate,
		Candidate: []byte(candidate),
	})
	ev := expect(t, y, protocol.EventCallICECandidate)
	if string(ev.Candidate) != candidate {
		t.Fatalf("candidate not relayed verbatim:\n got %s\nwant %s", ev.Candidate, candidate)
	}
	if ev.From != "X" {
		t.Fatalf("from = %q, want X", ev.From)
	}

	accepted := true
	f.hub.HandleEvent("y", protocol.ClientEvent{Type: protocol.EventCallAnswer, Accepted: &accepted})
	ansEv := expect(t, x, protocol.EventCallAnswer)
	if ansEv.Accepted == nil || !*ansEv.Accepted || ansEv.From != "Y" {
		t.Fatalf("unexpected call_answer: %+v", ansEv)
	}
}

func TestCallDurationEmittedExactlyOnce(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventCallRequest, CallType: protocol.CallTypeVideo})
	if ev := expect(t, y, protocol.EventCallRequest); ev.CallType != protocol.CallTypeVideo || ev.From != "X" {
		t.Fatalf("unexpected call_request: %+v", ev)
	}

	f.clock.Advance(95 * time.Second)

	// Both sides end "simultaneously": only the first emits a duration.
	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventCallEnd})
	f.hub.HandleEvent("y", protocol.ClientEvent{Type: protocol.EventCallEnd})

	expect(t, y, protocol.EventCallEnd)
	expectNone(t, x) // y's late call_end found no session

	if got := f.metrics.Get(metrics.CallSeconds); got != 95 {
		t.Fatalf("call_seconds_total = %d, want 95", got)
	}
	if got := f.metrics.Get(metrics.CallsEnded); got != 1 {
		t.Fatalf("calls_ended_total = %d, want 1", got)
	}
	if got := f.metrics.Get(metrics.CallsStarted); got != 1 {
		t.Fatalf("calls_started_total = %d, want 1", got)
	}
}

func TestDuplicateCallRequestRejected(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventCallRequest, CallType: protocol.CallTypeAudio})
	expect(t, y, protocol.EventCallRequest)

	// A second request for the already-active pair is a no-op, from either side.
	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventCallRequest, CallType: protocol.CallTypeAudio})
	f.hub.HandleEvent("y", protocol.ClientEvent{Type: protocol.EventCallRequest, CallType: protocol.CallTypeVideo})
	expectNone(t, y)
	expectNone(t, x)

	if got := f.metrics.Get(metrics.CallsStarted); got != 1 {
		t.Fatalf("calls_started_total = %d, want 1", got)
	}
}

func TestDisconnectEndsActiveCall(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, _ := f.pairUp(t)

	f.hub.HandleEvent("y", protocol.ClientEvent{Type: protocol.EventCallRequest, CallType: protocol.CallTypeAudio})
	expect(t, x, protocol.EventCallRequest)

	f.clock.Advance(30 * time.Second)
	f.hub.Unregister("y")

	if ev := expect(t, x, protocol.EventCallEnd); ev.From != "Y" {
		t.Fatalf("call_end from %q, want Y", ev.From)
	}
	expect(t, x, protocol.EventWaiting)

	if got := f.metrics.Get(metrics.CallSeconds); got != 30 {
		t.Fatalf("call_seconds_total = %d, want 30", got)
	}
	checkInvariants(t, f.hub)
}

func TestSkipEndsActiveCall(t *testing.T) {
	f := newHubFixture(t, Config{})
	x, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventCallRequest, CallType: protocol.CallTypeVideo})
	expect(t, y, protocol.EventCallRequest)

	f.clock.Advance(10 * time.Second)
	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventSkip})

	expect(t, y, protocol.EventCallEnd)
	expect(t, y, protocol.EventWaiting)
	expect(t, x, protocol.EventWaiting)

	if got := f.metrics.Get(metrics.CallsEnded); got != 1 {
		t.Fatalf("calls_ended_total = %d, want 1", got)
	}
	checkInvariants(t, f.hub)
}

func TestCallEndWithoutActiveCallIsDropped(t *testing.T) {
	f := newHubFixture(t, Config{})
	_, y := f.pairUp(t)

	f.hub.HandleEvent("x", protocol.ClientEvent{Type: protocol.EventCallEnd})
	expectNone(t, y)
	if got := f.metrics.Get(metrics.CallsEnded); got != 0 {
		t.Fatalf("calls_ended_total = %d, want 0", got)
	}
}

func TestStaleQueueEntryDiscardedOnMatch(t *testing.T) {
	// Direct-drive test (hub loop not running): seed a queue entry whose
	// participant is gone; the race guard must discard it and keep matching.
	h := NewHub(Config{Metrics: metrics.New()})

	ghost := NewParticipant("ghost", "Ghost", 4)
	h.registry.add(ghost)
	h.queue.enqueue("ghost")
	h.registry.remove("ghost")

	w := NewParticipant("w", "W", 4)
	h.registry.add(w)
	h.queue.enqueue("w")

	p := NewParticipant("p", "P", 4)
	h.registry.add(p)
	h.routeUnmatched("p")

	if p.partnerID != "w" || w.partnerID != "p" {
		t.Fatalf("expected p<->w pairing, got p->%q w->%q", p.partnerID, w.partnerID)
	}
	if h.queue.len() != 0 {
		t.Fatalf("queue len = %d, want 0", h.queue.len())
	}
}

func TestRegisterRejectedWhenFull(t *testing.T) {
	f := newHubFixture(t, Config{MaxParticipants: 1})
	f.connect(t, "x", "X")

	err := f.hub.Register(NewParticipant("y", "Y", 4))
	if err != ErrServerFull {
		t.Fatalf("Register = %v, want ErrServerFull", err)
	}
	if got := f.metrics.Get(metrics.ConnectionsRejected); got != 1 {
		t.Fatalf("connections_rejected_total = %d, want 1", got)
	}
}

func TestUsersOnlineBroadcastOnJoinAndLeave(t *testing.T) {
	f := newHubFixture(t, Config{})

	x := f.connect(t, "x", "X")
	if ev := expect(t, x, protocol.EventUsersOnline); ev.Count != 1 {
		t.Fatalf("count = %d, want 1", ev.Count)
	}
	expect(t, x, protocol.EventWaiting)

	y := f.connect(t, "y", "Y")
	if ev := expect(t, x, protocol.EventUsersOnline); ev.Count != 2 {
		t.Fatalf("count = %d, want 2", ev.Count)
	}
	expect(t, x, protocol.EventMatched)
	expect(t, y, protocol.EventMatched)

	f.hub.Unregister("y")
	if ev := expect(t, x, protocol.EventUsersOnline); ev.Count != 1 {
		t.Fatalf("count after leave = %d, want 1", ev.Count)
	}
	expect(t, x, protocol.EventWaiting)
}

func TestOutboxOverflowCountsDrop(t *testing.T) {
	f := newHubFixture(t, Config{})

	x := NewParticipant("x", "X", 1)
	if err := f.hub.Register(x); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// A buffer of one already holds users_online; the waiting event must be
	// dropped and counted rather than blocking the dispatcher.
	if got := f.metrics.Get(metrics.SendBufferDropped); got == 0 {
		t.Fatalf("send_buffer_dropped_total = 0, want > 0")
	}
}

func TestUnregisterIsIdempotent(t *testing.T) {
	f := newHubFixture(t, Config{})
	f.connect(t, "x", "X")
	f.hub.Unregister("x")
	f.hub.Unregister("x")
	f.hub.Unregister("never-existed")
}
