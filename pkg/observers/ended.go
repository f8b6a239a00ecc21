package observers

// endedTraceMemory bounds how many finished trace ids each per-call observer
// remembers.
const endedTraceMemory = 4096

// endedTraces is a fixed-size set of recently ended trace ids. Events that
// straggle in after call_ended are dropped instead of reopening per-call
// state. Callers hold their own lock.
type endedTraces struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newEndedTraces(capacity int) *endedTraces {
	if capacity <= 0 {
		capacity = endedTraceMemory
	}
	return &endedTraces{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, 0, capacity),
	}
}

func (e *endedTraces) add(id string) {
	if _, ok := e.ids[id]; ok {
		return
	}
	if len(e.ring) < cap(e.ring) {
		e.ring = append(e.ring, id)
	} else {
		delete(e.ids, e.ring[e.next])
		e.ring[e.next] = id
		e.next = (e.next + 1) % len(e.ring)
	}
	e.ids[id] = struct{}{}
}

func (e *endedTraces) has(id string) bool {
	_, ok := e.ids[id]
	return ok
}
