package reconcile

import "time"

const defaultFeedSize = 50

// FeedEntry is one line of the activity feed: either a field the assistant
// filled in or a free-form insight.
type FeedEntry struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Path        string    `json:"path,omitempty"`
	Evidence    string    `json:"evidence,omitempty"`
	Insight     bool      `json:"insight,omitempty"`
	At          time.Time `json:"at"`
}

// feed is a fixed-capacity ring of entries. Not safe for concurrent use.
type feed struct {
	buf  []FeedEntry
	next int
	full bool
}

func newFeed(size int) *feed {
	if size <= 0 {
		size = defaultFeedSize
	}
	return &feed{buf: make([]FeedEntry, size)}
}

func (f *feed) push(e FeedEntry) {
	f.buf[f.next] = e
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.full = true
	}
}

// list returns the entries newest first.
func (f *feed) list() []FeedEntry {
	n := f.next
	if f.full {
		n = len(f.buf)
	}
	out := make([]FeedEntry, 0, n)
	for i := range n {
		idx := (f.next - 1 - i + len(f.buf)) % len(f.buf)
		out = append(out, f.buf[idx])
	}
	return out
}
