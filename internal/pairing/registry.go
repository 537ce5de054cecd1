package pairing

// registry is the authoritative connection-id -> participant map.
//
// Display names are validated by the transport before a Participant is ever
// constructed; by the time an entry lands here it is already sanitized. The
// registry is owned by the hub goroutine and needs no locking.
type registry struct {
	m map[string]*Participant
}

func newRegistry() *registry {
	return &registry{m: make(map[string]*Participant)}
}

func (r *registry) add(p *Participant) {
	if _, ok := r.m[p.ID]; ok {
		panic("pairing: duplicate participant id " + p.ID)
	}
	r.m[p.ID] = p
}

func (r *registry) get(id string) *Participant {
	return r.m[id]
}

func (r *registry) remove(id string) {
	delete(r.m, id)
}

func (r *registry) count() int {
	return len(r.m)
}

func (r *registry) each(fn func(*Participant)) {
	for _, p := range r.m {
		fn(p)
	}
}
