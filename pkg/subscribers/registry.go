package subscribers

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/metrics"
)

// Subscriber receives serialized frames for the call it watches.
type Subscriber interface {
	Send(payload []byte) error
}

// Registry maps a call id to the ordered set of subscribers watching it.
// All lookups and mutations are serialized by one mutex; sends happen on a
// snapshot outside the lock.
type Registry struct {
	mu   sync.Mutex
	sets map[string][]Subscriber

	obs metrics.Observer
	log *slog.Logger
}

func NewRegistry(obs metrics.Observer) *Registry {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Registry{
		sets: make(map[string][]Subscriber),
		obs:  obs,
		log:  logging.NewComponentLogger(slog.Default(), "subscribers"),
	}
}

// Subscribe adds s to the set for callID. Adding an existing member is a
// no-op and returns false.
func (r *Registry) Subscribe(callID string, s Subscriber) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	set := r.sets[callID]
	for _, existing := range set {
		if existing == s {
			r.mu.Unlock()
			return false
		}
	}
	r.sets[callID] = append(set, s)
	size := len(r.sets[callID])
	r.mu.Unlock()

	r.record("subscriber_added", callID, float64(size))
	return true
}

// Unsubscribe removes s from the set for callID. Empty sets are pruned.
func (r *Registry) Unsubscribe(callID string, s Subscriber) bool {
	r.mu.Lock()
	set := r.sets[callID]
	idx := -1
	for i, existing := range set {
		if existing == s {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	next := make([]Subscriber, 0, len(set)-1)
	next = append(next, set[:idx]...)
	next = append(next, set[idx+1:]...)
	if len(next) == 0 {
		delete(r.sets, callID)
	} else {
		r.sets[callID] = next
	}
	r.mu.Unlock()

	r.record("subscriber_removed", callID, float64(len(next)))
	return true
}

// Publish sends payload to every subscriber of callID in subscription order
// and returns how many sends succeeded. A failing subscriber does not stop
// delivery to the others.
func (r *Registry) Publish(callID string, payload []byte) int {
	r.mu.Lock()
	set := r.sets[callID]
	snapshot := make([]Subscriber, len(set))
	copy(snapshot, set)
	r.mu.Unlock()

	delivered := 0
	for _, s := range snapshot {
		if err := s.Send(payload); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSubscriberSend)
			r.log.Warn("subscriber_send_failed",
				slog.String("call_sid", callID),
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// PublishJSON marshals v once and publishes it.
func (r *Registry) PublishJSON(callID string, v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return r.Publish(callID, b), nil
}

// Count returns the number of subscribers watching callID.
func (r *Registry) Count(callID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets[callID])
}

// Calls returns the number of call ids with at least one subscriber.
func (r *Registry) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func (r *Registry) record(name, callID string, value float64) {
	r.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  map[string]string{"call_sid": callID},
	})
}
