package runtime

import (
	"sync"

	"github.com/pulsedb/pulse/pkg/types"
)

// readerSet tracks the begin_ts of every transaction snapshot currently
// open inside this host, so pkg/retention never reclaims a revision a live
// query or mutation attempt might still read (§4.5: "published by C3 when
// a transaction begins").
type readerSet struct {
	mu   sync.Mutex
	next uint64
	open map[uint64]types.Timestamp
}

func newReaderSet() *readerSet {
	return &readerSet{open: make(map[uint64]types.Timestamp)}
}

// begin registers beginTS as in-use and returns a handle to release it.
func (r *readerSet) begin(beginTS types.Timestamp) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.open[id] = beginTS
	return id
}

func (r *readerSet) end(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, id)
}

// oldest returns the lowest begin_ts among currently open transactions.
func (r *readerSet) oldest() (types.Timestamp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.open) == 0 {
		return 0, false
	}
	first := true
	var min types.Timestamp
	for _, ts := range r.open {
		if first || ts < min {
			min = ts
			first = false
		}
	}
	return min, true
}

// OldestActiveBeginTS implements pkg/retention.ReaderTracker: the oldest
// begin_ts any query or mutation attempt in flight on this host might still
// read against.
func (h *Host) OldestActiveBeginTS() (types.Timestamp, bool) {
	return h.readers.oldest()
}
