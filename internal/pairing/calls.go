package pairing

import "time"

// pairKey identifies a call session by the unordered pair of participant ids.
// Keying by the pair (rather than anything time-derived) is what lets the
// call_end path find the exact session created at call_request time.
type pairKey struct {
	a, b string
}

func newPairKey(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

func (k pairKey) other(id string) string {
	if id == k.a {
		return k.b
	}
	return k.a
}

// callSession is the ephemeral record of an active call between a pair.
// startedAt is taken optimistically at call_request time.
type callSession struct {
	key       pairKey
	kind      string // audio | video
	startedAt time.Time
}

// callTracker owns all active call sessions, one per pair at most.
type callTracker struct {
	sessions map[pairKey]*callSession
}

func newCallTracker() *callTracker {
	return &callTracker{sessions: make(map[pairKey]*callSession)}
}

// start creates a session for the pair. It reports false when the pair
// already has an active call; the existing session stays authoritative.
func (t *callTracker) start(key pairKey, kind string, now time.Time) (*callSession, bool) {
	if _, ok := t.sessions[key]; ok {
		return nil, false
	}
	sess := &callSession{key: key, kind: kind, startedAt: now}
	t.sessions[key] = sess
	return sess, true
}

// end destroys the pair's session and returns its duration. The second of two
// simultaneous call_end events finds nothing and reports false, so a duration
// is emitted exactly once per call.
func (t *callTracker) end(key pairKey, now time.Time) (time.Duration, bool) {
	sess, ok := t.sessions[key]
	if !ok {
		return 0, false
	}
	delete(t.sessions, key)
	d := now.Sub(sess.startedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (t *callTracker) count() int {
	return len(t.sessions)
}
