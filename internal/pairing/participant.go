package pairing

import (
	"github.com/ayush68824/Qonv-back/internal/protocol"
)

// Participant is one live connection eligible for pairing.
//
// partnerID and activeCall are owned by the hub goroutine and must only be
// touched from it. The outbox channel is the single seam between the hub and
// the connection's writer: deliveries never block, so a slow consumer can
// never stall the dispatcher.
type Participant struct {
	ID          string
	DisplayName string

	partnerID  string
	activeCall *callSession

	out chan protocol.ServerEvent
}

func NewParticipant(id, displayName string, sendBuffer int) *Participant {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Participant{
		ID:          id,
		DisplayName: displayName,
		out:         make(chan protocol.ServerEvent, sendBuffer),
	}
}

// Events exposes the outbox for the connection's write pump. The channel is
// closed by the hub when the participant is unregistered.
func (p *Participant) Events() <-chan protocol.ServerEvent {
	return p.out
}

// deliver performs a non-blocking send. It reports false when the outbox is
// full; the event is dropped and the caller accounts for it.
func (p *Participant) deliver(ev protocol.ServerEvent) bool {
	select {
	case p.out <- ev:
		return true
	default:
		return false
	}
}
