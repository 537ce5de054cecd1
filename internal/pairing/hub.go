// Package pairing implements the core pairing and relay engine: the
// participant registry, the FIFO waiting queue, the symmetric partner links,
// the partner-only relay, and the call-session tracker.
//
// All shared state is owned by a single hub goroutine. Connections talk to it
// through channels, so no two mutating operations ever observe a half-updated
// pair, and a disconnect tears down queue membership, partner link, and any
// active call atomically with respect to every other dispatcher step.
package pairing

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ayush68824/Qonv-back/internal/metrics"
	"github.com/ayush68824/Qonv-back/internal/origin"
	"github.com/ayush68824/Qonv-back/internal/protocol"
)

const defaultSendBuffer = 64

// ErrServerFull refuses a registration when the participant cap is reached.
var ErrServerFull = errors.New("pairing: participant limit reached")

// ErrStopped refuses operations after the hub shut down.
var ErrStopped = errors.New("pairing: hub stopped")

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Clock is injectable for tests; nil means time.Now.
	Clock func() time.Time

	// TrustedMediaOrigin is the normalized origin media URLs must carry to be
	// relayed. Empty disables media relay entirely.
	TrustedMediaOrigin string

	// MaxParticipants caps concurrent registrations. <= 0 means unlimited.
	MaxParticipants int

	// SendBuffer sizes each participant's outbox.
	SendBuffer int
}

type registerOp struct {
	p   *Participant
	err chan error
}

type unregisterOp struct {
	id   string
	done chan struct{}
}

type eventOp struct {
	senderID string
	ev       protocol.ClientEvent
	done     chan struct{}
}

// Hub serializes every mutation of the registry, queue, partner links, and
// call sessions through its Run loop.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	trustedMediaOrigin string
	maxParticipants    int
	sendBuffer         int

	registry *registry
	queue    *waitQueue
	calls    *callTracker

	register   chan registerOp
	unregister chan unregisterOp
	events     chan eventOp
	inspect    chan func()
	done       chan struct{}
	stopOnce   sync.Once
}

func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	return &Hub{
		log:                logger,
		metrics:            m,
		now:                now,
		trustedMediaOrigin: cfg.TrustedMediaOrigin,
		maxParticipants:    cfg.MaxParticipants,
		sendBuffer:         sendBuffer,
		registry:           newRegistry(),
		queue:              newWaitQueue(),
		calls:              newCallTracker(),
		register:           make(chan registerOp),
		unregister:         make(chan unregisterOp),
		events:             make(chan eventOp),
		inspect:            make(chan func()),
		done:               make(chan struct{}),
	}
}

// SendBuffer returns the configured outbox size for new participants.
func (h *Hub) SendBuffer() int {
	return h.sendBuffer
}

// Run processes operations until Stop is called. It is the only goroutine
// that touches the registry, queue, partner links, and call sessions.
func (h *Hub) Run() {
	for {
		select {
		case op := <-h.register:
			op.err <- h.handleRegister(op.p)
		case op := <-h.unregister:
			h.handleUnregister(op.id)
			close(op.done)
		case op := <-h.events:
			h.handleEvent(op.senderID, op.ev)
			close(op.done)
		case fn := <-h.inspect:
			fn()
		case <-h.done:
			h.registry.each(func(p *Participant) {
				close(p.out)
			})
			return
		}
	}
}

// Stop terminates the Run loop and closes every participant outbox. It is
// idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Register adds a participant and routes it through matching. The call
// returns once the hub has processed it, so a connection's subsequent events
// always observe its own registration.
func (h *Hub) Register(p *Participant) error {
	op := registerOp{p: p, err: make(chan error, 1)}
	select {
	case h.register <- op:
		return <-op.err
	case <-h.done:
		return ErrStopped
	}
}

// Unregister tears down the participant: queue membership, partner link, and
// any active call. It is idempotent and blocks until processed.
func (h *Hub) Unregister(id string) {
	op := unregisterOp{id: id, done: make(chan struct{})}
	select {
	case h.unregister <- op:
		<-op.done
	case <-h.done:
	}
}

// HandleEvent relays one inbound event from the given connection. Events from
// a single connection are processed in the order received.
func (h *Hub) HandleEvent(senderID string, ev protocol.ClientEvent) {
	op := eventOp{senderID: senderID, ev: ev, done: make(chan struct{})}
	select {
	case h.events <- op:
		<-op.done
	case <-h.done:
	}
}

func (h *Hub) handleRegister(p *Participant) error {
	if h.maxParticipants > 0 && h.registry.count() >= h.maxParticipants {
		h.metrics.Inc(metrics.ConnectionsRejected)
		return ErrServerFull
	}

	h.registry.add(p)
	h.metrics.Inc(metrics.ParticipantsConnected)
	h.metrics.Set(metrics.ParticipantsOnline, uint64(h.registry.count()))
	h.metrics.SetMax(metrics.ParticipantsPeak, uint64(h.registry.count()))
	h.log.Info("participant registered", "id", p.ID, "name", p.DisplayName, "online", h.registry.count())

	h.broadcastUsersOnline()
	h.routeUnmatched(p.ID)
	return nil
}

func (h *Hub) handleUnregister(id string) {
	p := h.registry.get(id)
	if p == nil {
		return
	}

	h.endCallFor(p, true)
	h.queue.removeIfPresent(id)

	freedPartner := ""
	if p.partnerID != "" {
		partner := h.registry.get(p.partnerID)
		if partner == nil {
			panic("pairing: partner link to unregistered participant " + p.partnerID)
		}
		h.unpair(p, partner)
		freedPartner = partner.ID
	}

	h.registry.remove(id)
	close(p.out)
	h.metrics.Set(metrics.ParticipantsOnline, uint64(h.registry.count()))
	h.log.Info("participant unregistered", "id", id, "online", h.registry.count())

	h.broadcastUsersOnline()
	if freedPartner != "" {
		h.routeUnmatched(freedPartner)
	}
}

func (h *Hub) handleEvent(senderID string, ev protocol.ClientEvent) {
	p := h.registry.get(senderID)
	if p == nil {
		// The connection lost a race with its own teardown.
		return
	}

	switch ev.Type {
	case protocol.EventMessage:
		h.relayMessage(p, ev)
	case protocol.EventMediaMessage:
		h.relayMedia(p, ev)
	case protocol.EventCallRequest:
		h.handleCallRequest(p, ev)
	case protocol.EventCallAnswer:
		h.relaySignal(p, protocol.ServerEvent{
			Type:     protocol.EventCallAnswer,
			Accepted: ev.Accepted,
		})
	case protocol.EventCallICECandidate:
		h.relaySignal(p, protocol.ServerEvent{
			Type:      protocol.EventCallICECandidate,
			Candidate: ev.Candidate,
		})
	case protocol.EventCallEnd:
		h.handleCallEnd(p)
	case protocol.EventSkip:
		h.handleSkip(p)
	default:
		h.dropRelay(p, "unsupported event type")
	}
}

// partnerOf resolves the sender's live partner. A nil result is the normal
// "partner left" condition: the event is dropped silently, never errored.
func (h *Hub) partnerOf(p *Participant) *Participant {
	if p.partnerID == "" {
		return nil
	}
	return h.registry.get(p.partnerID)
}

func (h *Hub) relayMessage(p *Participant, ev protocol.ClientEvent) {
	partner := h.partnerOf(p)
	if partner == nil {
		h.dropRelay(p, "no partner")
		return
	}
	text := protocol.NormalizeText(ev.Text)
	if text == "" {
		h.dropRelay(p, "empty text")
		return
	}
	h.deliver(partner, protocol.ServerEvent{
		Type:      protocol.EventMessage,
		From:      p.DisplayName,
		Text:      text,
		Timestamp: h.now().UnixMilli(),
	})
	h.metrics.Inc(metrics.MessagesRelayed)
}

func (h *Hub) relayMedia(p *Participant, ev protocol.ClientEvent) {
	partner := h.partnerOf(p)
	if partner == nil {
		h.dropRelay(p, "no partner")
		return
	}
	if !origin.URLTrusted(ev.URL, h.trustedMediaOrigin) {
		h.dropRelay(p, "untrusted media url")
		return
	}
	h.deliver(partner, protocol.ServerEvent{
		Type:      protocol.EventMediaMessage,
		From:      p.DisplayName,
		URL:       ev.URL,
		MediaType: ev.MediaType,
		Timestamp: h.now().UnixMilli(),
	})
	h.metrics.Inc(metrics.MediaRelayed)
}

// relaySignal forwards a call-signaling frame verbatim to the partner with
// the sender's display name attached. No semantic validation of SDP/ICE
// payloads happens here.
func (h *Hub) relaySignal(p *Participant, out protocol.ServerEvent) {
	partner := h.partnerOf(p)
	if partner == nil {
		h.dropRelay(p, "no partner")
		return
	}
	out.From = p.DisplayName
	out.Timestamp = h.now().UnixMilli()
	h.deliver(partner, out)
	h.metrics.Inc(metrics.SignalsRelayed)
}

func (h *Hub) handleCallRequest(p *Participant, ev protocol.ClientEvent) {
	partner := h.partnerOf(p)
	if partner == nil {
		h.dropRelay(p, "no partner")
		return
	}

	key := newPairKey(p.ID, partner.ID)
	sess, ok := h.calls.start(key, ev.CallType, h.now())
	if !ok {
		// Concurrent calls between the same pair are undefined; keep the
		// existing session authoritative.
		h.log.Warn("call_request for pair with active call", "from", p.ID)
		h.dropRelay(p, "call already active")
		return
	}
	p.activeCall = sess
	partner.activeCall = sess
	h.metrics.Inc(metrics.CallsStarted)

	h.deliver(partner, protocol.ServerEvent{
		Type:      protocol.EventCallRequest,
		From:      p.DisplayName,
		CallType:  ev.CallType,
		Timestamp: h.now().UnixMilli(),
	})
	h.metrics.Inc(metrics.SignalsRelayed)
}

func (h *Hub) handleCallEnd(p *Participant) {
	if p.activeCall == nil {
		h.dropRelay(p, "no active call")
		return
	}
	h.endCallFor(p, true)
}

// endCallFor tears down the sender's active call, if any: the duration is
// emitted exactly once, both members' activeCall references are cleared, and
// the other member is notified when notifyOther is set and still registered.
func (h *Hub) endCallFor(p *Participant, notifyOther bool) {
	sess := p.activeCall
	if sess == nil {
		return
	}

	dur, ended := h.calls.end(sess.key, h.now())

	otherID := sess.key.other(p.ID)
	other := h.registry.get(otherID)
	p.activeCall = nil
	if other != nil {
		other.activeCall = nil
	}

	if !ended {
		return
	}

	h.metrics.Inc(metrics.CallsEnded)
	h.metrics.Add(metrics.CallSeconds, uint64(dur/time.Second))
	h.log.Info("call ended", "kind", sess.kind, "duration", dur)

	if notifyOther && other != nil {
		h.deliver(other, protocol.ServerEvent{
			Type:      protocol.EventCallEnd,
			From:      p.DisplayName,
			Timestamp: h.now().UnixMilli(),
		})
	}
}

func (h *Hub) handleSkip(p *Participant) {
	partner := h.partnerOf(p)
	if partner == nil {
		// Skip without a partner is a no-op by contract.
		return
	}

	h.endCallFor(p, true)
	h.unpair(p, partner)

	// The freed partner routes first; it did not ask for a new match.
	h.routeUnmatched(partner.ID, p.ID)
}

// pair establishes the symmetric partner link in one dispatcher step and
// notifies both sides. Any precondition failure here is an invariant
// violation, not an input error.
func (h *Hub) pair(a, b *Participant) {
	if a.ID == b.ID {
		panic("pairing: participant matched with itself: " + a.ID)
	}
	if a.partnerID != "" || b.partnerID != "" {
		panic("pairing: pair would overwrite existing partner link")
	}
	if h.queue.contains(a.ID) || h.queue.contains(b.ID) {
		panic("pairing: paired participant still enqueued")
	}

	a.partnerID = b.ID
	b.partnerID = a.ID

	h.deliver(a, protocol.ServerEvent{Type: protocol.EventMatched, Partner: b.DisplayName})
	h.deliver(b, protocol.ServerEvent{Type: protocol.EventMatched, Partner: a.DisplayName})
	h.log.Info("participants matched", "a", a.ID, "b", b.ID)
}

func (h *Hub) unpair(a, b *Participant) {
	if a.partnerID != b.ID || b.partnerID != a.ID {
		panic("pairing: partner links desynchronized: " + a.ID + " / " + b.ID)
	}
	a.partnerID = ""
	b.partnerID = ""
}

// routeUnmatched runs the matching step for participants that just became
// unmatched. Matching is two-phase: every id first attempts a dequeue against
// the pre-existing queue, then the leftovers are enqueued. Two parties freed
// by the same skip therefore both re-enter Waiting instead of instantly
// re-pairing with each other, while queued third parties still match.
func (h *Hub) routeUnmatched(ids ...string) {
	var waiting []*Participant

	for _, id := range ids {
		p := h.registry.get(id)
		if p == nil || p.partnerID != "" {
			continue
		}
		if cand := h.nextCandidate(); cand != nil {
			h.pair(p, cand)
			continue
		}
		waiting = append(waiting, p)
	}

	for _, p := range waiting {
		h.queue.enqueue(p.ID)
		h.deliver(p, protocol.ServerEvent{Type: protocol.EventWaiting})
	}
}

// nextCandidate dequeues until it finds a participant that is still
// registered and still unmatched, guarding the race where a queued candidate
// disconnected between enqueue and dequeue. Stale entries are discarded.
func (h *Hub) nextCandidate() *Participant {
	for {
		id, ok := h.queue.dequeueNext()
		if !ok {
			return nil
		}
		cand := h.registry.get(id)
		if cand == nil || cand.partnerID != "" {
			continue
		}
		return cand
	}
}

func (h *Hub) broadcastUsersOnline() {
	count := h.registry.count()
	ev := protocol.ServerEvent{Type: protocol.EventUsersOnline, Count: count}
	h.registry.each(func(p *Participant) {
		h.deliver(p, ev)
	})
}

func (h *Hub) deliver(p *Participant, ev protocol.ServerEvent) {
	if !p.deliver(ev) {
		h.metrics.Inc(metrics.SendBufferDropped)
		h.log.Warn("outbox full, event dropped", "id", p.ID, "event", ev.Type)
	}
}

func (h *Hub) dropRelay(p *Participant, reason string) {
	h.metrics.Inc(metrics.RelayDropped)
	h.log.Debug("relay dropped", "id", p.ID, "reason", reason)
}
