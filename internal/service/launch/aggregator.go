package launch

import (
	"strings"
	"sync"
)

// buildLogAggregator batches image build output so each status log carries a
// chunk of lines instead of one row per line, and keeps a bounded tail for
// failure reporting.
type buildLogAggregator struct {
	mu      sync.Mutex
	pending []string
	tail    []string
	emit    func(string)
}

const (
	aggregatorBatchSize = 20
	aggregatorTailSize  = 200
)

func newBuildLogAggregator(emit func(string)) *buildLogAggregator {
	return &buildLogAggregator{emit: emit}
}

// Add records a line and emits the pending batch once it is full.
func (a *buildLogAggregator) Add(line string) {
	a.mu.Lock()
	a.pending = append(a.pending, line)
	a.tail = append(a.tail, line)
	if len(a.tail) > aggregatorTailSize {
		a.tail = a.tail[len(a.tail)-aggregatorTailSize:]
	}
	var batch []string
	if len(a.pending) >= aggregatorBatchSize {
		batch = a.pending
		a.pending = nil
	}
	a.mu.Unlock()
	if len(batch) > 0 {
		a.emit(strings.Join(batch, "\n"))
	}
}

// Flush emits whatever is pending.
func (a *buildLogAggregator) Flush() {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) > 0 {
		a.emit(strings.Join(batch, "\n"))
	}
}

// Snapshot returns up to n of the most recent lines.
func (a *buildLogAggregator) Snapshot(n int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || len(a.tail) == 0 {
		return nil
	}
	if n > len(a.tail) {
		n = len(a.tail)
	}
	out := make([]string, n)
	copy(out, a.tail[len(a.tail)-n:])
	return out
}
