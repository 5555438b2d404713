// Package reconcile merges streamed field deltas into a sectioned,
// freshness-annotated view of the clinical record.
//
// A [Reconciler] owns the field map. Every mutation emits a new sorted
// snapshot to subscribers. Fields touched again after their first value are
// marked [StatusUpdated] and decay back to [StatusNew] once no further delta
// arrives for the decay period.
package reconcile

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/consultia/pkg/record"
	"github.com/MrWong99/consultia/pkg/transport"
)

// DefaultDecay is how long a field stays [StatusUpdated].
const DefaultDecay = 3000 * time.Millisecond

const subscriberBuffer = 8

// Status is the freshness of a field.
type Status int

const (
	StatusEmpty Status = iota
	StatusNew
	StatusUpdated
)

var statusNames = [...]string{StatusEmpty: "empty", StatusNew: "new", StatusUpdated: "updated"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText implements [encoding.TextMarshaler].
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Field is one reconciled record location.
type Field struct {
	Path      string    `json:"path"`
	Label     string    `json:"label"`
	Section   string    `json:"section"`
	Value     any       `json:"value"`
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// entry is a field plus the revision that decay timers compare against.
type entry struct {
	Field
	rev uint64
}

// Option is a functional option for configuring a [Reconciler].
type Option func(*Reconciler)

// WithDecay sets how long a field stays updated. Default: 3s.
func WithDecay(d time.Duration) Option {
	return func(r *Reconciler) { r.decay = d }
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithFeedSize bounds the activity feed. Default: 50.
func WithFeedSize(n int) Option {
	return func(r *Reconciler) { r.feed = newFeed(n) }
}

// Reconciler is the canonical field map. All methods are safe for
// concurrent use.
type Reconciler struct {
	decay time.Duration
	now   func() time.Time

	mu      sync.Mutex
	fields  map[string]*entry
	rev     uint64
	feed    *feed
	subs    map[int]chan []Field
	nextSub int
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		decay:  DefaultDecay,
		now:    time.Now,
		fields: make(map[string]*entry),
		feed:   newFeed(defaultFeedSize),
		subs:   make(map[int]chan []Field),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ApplyDelta sets path to value. It reports false when path is assistant
// metadata rather than a record field; such paths never enter the map.
func (r *Reconciler) ApplyDelta(path string, value any) bool {
	if path == "" || IsMetadataPath(path) {
		slog.Debug("reconcile: delta rejected", "path", path)
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.rev++
	e, ok := r.fields[path]
	if !ok {
		e = &entry{Field: Field{
			Path:    path,
			Label:   Label(path),
			Section: Classify(path),
			Status:  StatusNew,
		}}
		r.fields[path] = e
	} else if e.Status == StatusEmpty {
		e.Status = StatusNew
	} else {
		e.Status = StatusUpdated
	}
	e.Value = record.CloneValue(value)
	e.UpdatedAt = now
	e.rev = r.rev

	rev := e.rev
	time.AfterFunc(r.decay, func() { r.expire(path, rev) })

	r.emitLocked()
	return true
}

// SetDecay changes the decay period for deltas applied from now on.
// Pending decay timers keep their original deadline.
func (r *Reconciler) SetDecay(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.decay = d
	r.mu.Unlock()
}

// expire flips path back to new if nothing touched it since revision rev.
func (r *Reconciler) expire(path string, rev uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.fields[path]
	if !ok || e.rev != rev || e.Status != StatusUpdated {
		return
	}
	e.Status = StatusNew
	r.emitLocked()
}

// ApplyChanges applies a batch of field deltas in order and records each
// accepted change in the activity feed. It returns how many were accepted.
func (r *Reconciler) ApplyChanges(changes []transport.Change) int {
	applied := 0
	for _, ch := range changes {
		if !r.ApplyDelta(ch.Path, ch.Value) {
			continue
		}
		applied++
		desc := strings.TrimSpace(ch.Reason)
		if desc == "" {
			desc = "Actualicé " + ch.Path
		}
		r.mu.Lock()
		r.feed.push(FeedEntry{
			Title:       Title(ch.Path),
			Description: desc,
			Path:        ch.Path,
			Evidence:    ch.Evidence,
			At:          r.now(),
		})
		r.mu.Unlock()
	}
	return applied
}

// AddInsight records a free-form assistant observation in the activity feed.
func (r *Reconciler) AddInsight(label, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feed.push(FeedEntry{Title: label, Description: text, Insight: true, At: r.now()})
}

// ClearField blanks the value of path.
func (r *Reconciler) ClearField(path string) bool {
	return r.ApplyDelta(path, "")
}

// ClearAll removes every field and emits an empty snapshot. The activity
// feed is kept.
func (r *Reconciler) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.fields)
	r.emitLocked()
}

// Snapshot returns all fields sorted by section, label and path.
func (r *Reconciler) Snapshot() []Field {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Field returns the field at path, if any delta has set it.
func (r *Reconciler) Field(path string) (Field, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.fields[path]
	if !ok {
		return Field{}, false
	}
	f := e.Field
	f.Value = record.CloneValue(f.Value)
	return f, true
}

// Feed returns the activity feed, newest first.
func (r *Reconciler) Feed() []FeedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feed.list()
}

// Subscribe returns a channel receiving a snapshot after every mutation.
// A slow subscriber loses the oldest pending snapshots, never the newest.
// Call cancel to unsubscribe; the channel is then closed.
func (r *Reconciler) Subscribe() (<-chan []Field, func()) {
	ch := make(chan []Field, subscriberBuffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

func (r *Reconciler) snapshotLocked() []Field {
	out := make([]Field, 0, len(r.fields))
	for _, e := range r.fields {
		f := e.Field
		f.Value = record.CloneValue(f.Value)
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b Field) int {
		return cmp.Or(
			strings.Compare(a.Section, b.Section),
			strings.Compare(a.Label, b.Label),
			strings.Compare(a.Path, b.Path),
		)
	})
	return out
}

func (r *Reconciler) emitLocked() {
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
