package ws

import (
	"time"

	"github.com/samber/lo"

	"github.com/Avicted/chorus/internal/fabric"
)

type ringEntry struct {
	eid int64
	ev  fabric.Event
	at  time.Time
}

// recoveryRing holds the most recent events delivered by the hub, keyed by
// hub-local event id. dropped is the highest id no longer held.
type recoveryRing struct {
	entries []ringEntry
	max     int
	dropped int64
	last    int64
}

func newRecoveryRing(max int) *recoveryRing {
	if max <= 0 {
		max = 1
	}
	return &recoveryRing{max: max}
}

func (r *recoveryRing) push(e ringEntry) {
	r.entries = append(r.entries, e)
	r.last = e.eid
	if len(r.entries) > r.max {
		// Trim a quarter at a time so a full ring does not copy on every push.
		r.trim(max(len(r.entries)-r.max, r.max/4))
	}
}

func (r *recoveryRing) trim(n int) {
	if n <= 0 {
		return
	}
	n = min(n, len(r.entries))
	r.dropped = r.entries[n-1].eid
	r.entries = append([]ringEntry(nil), r.entries[n:]...)
}

func (r *recoveryRing) pruneBefore(t time.Time) {
	_, idx, ok := lo.FindIndexOf(r.entries, func(e ringEntry) bool { return !e.at.Before(t) })
	if !ok {
		idx = len(r.entries)
	}
	r.trim(idx)
}

// after returns the entries with id greater than eid. ok is false when some
// of them have already been dropped or eid is from the future.
func (r *recoveryRing) after(eid int64) ([]ringEntry, bool) {
	if eid < r.dropped || eid > r.last {
		return nil, false
	}
	return lo.Filter(r.entries, func(e ringEntry, _ int) bool { return e.eid > eid }), true
}

// suspendedSession is what a dropped session needs to resume: its expiry and
// the sequences its store replay already delivered.
type suspendedSession struct {
	until    time.Time
	floor    int64
	replayed map[int64]struct{}
}

// sessionTable remembers disconnected sessions until they expire.
type sessionTable map[string]suspendedSession

func (s sessionTable) suspend(id string, sess suspendedSession) {
	s[id] = sess
}

// take removes id and returns it when it was suspended and unexpired.
func (s sessionTable) take(id string, now time.Time) (suspendedSession, bool) {
	sess, ok := s[id]
	if !ok {
		return suspendedSession{}, false
	}
	delete(s, id)
	return sess, now.Before(sess.until)
}

func (s sessionTable) prune(now time.Time) {
	for id, sess := range s {
		if !now.Before(sess.until) {
			delete(s, id)
		}
	}
}
