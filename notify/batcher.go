package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/TallyWorks/tally/models"
)

const (
	// DefaultWindow is how long a scope accumulates events before flushing.
	// Every new report within the window re-arms it, so a burst produces a
	// single batch roughly one window after its last event.
	DefaultWindow = 100 * time.Millisecond
)

// Sink receives the coalesced batches the batcher produces. Delivery is
// best-effort; the batcher never retries and never looks at the outcome.
type Sink interface {
	Deliver(scope Scope, events []models.Event)
}

/*
	Batcher turns bursts of individual change reports into one coalesced
	message per scope. Each scope owns an independent pending batch with its
	own lock and single-shot timer, so reports against different scopes
	never contend with each other.
*/

type Batcher struct {
	logger  *slog.Logger
	sink    Sink
	window  time.Duration
	maxWait time.Duration

	pending sync.Map // Scope -> *pendingBatch
}

type pendingBatch struct {
	mu       sync.Mutex
	events   []models.Event
	timer    *time.Timer
	gen      uint64
	deadline time.Time
	detached bool
}

// NewBatcher creates a batcher flushing into sink. A window <= 0 falls back
// to DefaultWindow. maxWait, when positive, caps the total delay of a batch
// under a sustained stream of reports; zero disables the cap.
func NewBatcher(logger *slog.Logger, sink Sink, window, maxWait time.Duration) *Batcher {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Batcher{
		logger:  logger.With("component", "batcher"),
		sink:    sink,
		window:  window,
		maxWait: maxWait,
	}
}

// Report stamps the event and appends it to the scope's pending batch,
// re-arming the scope's flush timer. It never blocks on delivery; the
// caller's request cycle completes independently of when the batch goes out.
func (b *Batcher) Report(scope Scope, event models.Event) {
	event.Timestamp = time.Now().UTC()

	for {
		v, ok := b.pending.Load(scope)
		if !ok {
			v, _ = b.pending.LoadOrStore(scope, &pendingBatch{})
		}
		pb := v.(*pendingBatch)

		pb.mu.Lock()
		if pb.detached {
			// Lost the race against a flush in progress; the entry is
			// being removed from the map. Start a fresh cycle.
			pb.mu.Unlock()
			continue
		}

		pb.events = append(pb.events, event)

		delay := b.window
		if b.maxWait > 0 {
			if pb.deadline.IsZero() {
				pb.deadline = time.Now().Add(b.maxWait)
			}
			if remaining := time.Until(pb.deadline); remaining < delay {
				delay = remaining
				if delay < 0 {
					delay = 0
				}
			}
		}

		if pb.timer != nil {
			pb.timer.Stop()
		}
		pb.gen++
		gen := pb.gen
		pb.timer = time.AfterFunc(delay, func() {
			b.flush(scope, pb, gen)
		})
		pb.mu.Unlock()
		return
	}
}

// flush detaches the scope's pending state and hands the deduplicated batch
// to the sink. The generation check discards timers that were superseded by
// a re-arm after they had already fired into the runtime queue.
func (b *Batcher) flush(scope Scope, pb *pendingBatch, gen uint64) {
	pb.mu.Lock()
	if pb.detached || pb.gen != gen {
		pb.mu.Unlock()
		return
	}
	pb.detached = true
	events := pb.events
	pb.events = nil
	b.pending.CompareAndDelete(scope, pb)
	pb.mu.Unlock()

	batch := coalesce(events)
	if len(batch) == 0 {
		return
	}

	b.logger.Debug("flushing batch", "scope", scope.String(), "raw", len(events), "coalesced", len(batch))
	b.sink.Deliver(scope, batch)
}

// Close cancels all armed timers and drops whatever is pending. Batches are
// not durable; anything unflushed at shutdown is lost by design.
func (b *Batcher) Close() {
	b.pending.Range(func(key, value any) bool {
		pb := value.(*pendingBatch)
		pb.mu.Lock()
		if !pb.detached {
			pb.detached = true
			pb.events = nil
			if pb.timer != nil {
				pb.timer.Stop()
			}
			b.pending.CompareAndDelete(key, value)
		}
		pb.mu.Unlock()
		return true
	})
}

/*
	coalesce collapses the pending list to at most one event per dedup key.
	Later events replace earlier ones in place, so the result carries the
	most recent action and message for each key while keeping the order in
	which each distinct key first appeared. Identical inputs always produce
	identical batch ordering.
*/
func coalesce(events []models.Event) []models.Event {
	if len(events) == 0 {
		return nil
	}
	index := make(map[string]int, len(events))
	out := make([]models.Event, 0, len(events))
	for _, ev := range events {
		key := ev.DedupKey()
		if i, seen := index[key]; seen {
			out[i] = ev
			continue
		}
		index[key] = len(out)
		out = append(out, ev)
	}
	return out
}
