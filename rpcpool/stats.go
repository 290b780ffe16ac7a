package rpcpool

import (
	"sync"
	"time"
)

// callLogSize bounds the in-memory history of upstream calls.
const callLogSize = 512

// CallRecord describes one upstream request, kept for the dashboard's RPC
// statistics view.
type CallRecord struct {
	Endpoint string        `json:"endpoint"`
	Method   string        `json:"method"`
	Latency  time.Duration `json:"latency"`
	OK       bool          `json:"ok"`
	At       time.Time     `json:"at"`
}

// callLog is a fixed-size ring buffer of call records.
type callLog struct {
	mu      sync.Mutex
	records []CallRecord
	next    int
	full    bool
}

func newCallLog(size int) *callLog {
	return &callLog{records: make([]CallRecord, size)}
}

func (l *callLog) add(r CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[l.next] = r
	l.next++

	if l.next == len(l.records) {
		l.next = 0
		l.full = true
	}
}

// snapshot returns the buffered records in insertion order, oldest first.
func (l *callLog) snapshot() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.full {
		out := make([]CallRecord, l.next)
		copy(out, l.records[:l.next])

		return out
	}

	out := make([]CallRecord, 0, len(l.records))
	out = append(out, l.records[l.next:]...)
	out = append(out, l.records[:l.next]...)

	return out
}
