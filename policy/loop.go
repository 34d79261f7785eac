package policy

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/martinemde/coder/toolcall"
)

// DefaultLoopThreshold is how many times an identical call set may be
// proposed in one run before the run is stopped.
const DefaultLoopThreshold = 3

// CodeLoopDetected marks a run stopped by the loop detector.
const CodeLoopDetected = "TOOL_LOOP_DETECTED"

// LoopDetector counts identical call sets within one run.
type LoopDetector struct {
	Threshold int

	mu     sync.Mutex
	counts map[string]int
}

// NewLoopDetector returns a detector; threshold <= 0 selects the default.
func NewLoopDetector(threshold int) *LoopDetector {
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	return &LoopDetector{Threshold: threshold, counts: make(map[string]int)}
}

// CallSetSignature computes a deterministic signature for an ordered set of
// calls: tool names plus a hash of their canonical arguments.
func CallSetSignature(calls []toolcall.Call) string {
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = c.Signature()
	}
	h := sha256.Sum256([]byte("[" + strings.Join(parts, ",") + "]"))
	return fmt.Sprintf("%x", h[:16])
}

// Observe records one proposal of calls and returns how many times this
// exact set has been seen in the run, and whether that reached the
// threshold. An empty set is never counted.
func (d *LoopDetector) Observe(calls []toolcall.Call) (int, bool) {
	if len(calls) == 0 {
		return 0, false
	}
	sig := CallSetSignature(calls)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.counts == nil {
		d.counts = make(map[string]int)
	}
	threshold := d.Threshold
	if threshold <= 0 {
		threshold = DefaultLoopThreshold
	}
	d.counts[sig]++
	n := d.counts[sig]
	return n, n >= threshold
}
