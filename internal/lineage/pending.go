package lineage

import "encoding/json"

// PendingFork tracks one in-flight fork placeholder awaiting linkage to the
// real run the Gateway eventually creates.
type PendingFork struct {
	PlaceholderRunID string
	OriginRunID      string
	ForkFromSeq      int64
	StartedAtMs      int64
	SessionKey       string
	ModifiedPayload  json.RawMessage
}

// RegisterPendingFork enqueues p (FIFO order) and sets the session's fork
// head to the placeholder run.
func (e *Engine) RegisterPendingFork(p PendingFork) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, p)
	if p.SessionKey != "" {
		e.sessionForkHeads[p.SessionKey] = p.PlaceholderRunID
	}
}

// PendingCount reports how many pending forks are queued.
func (e *Engine) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

// TryLink pops the FIFO-oldest pending fork and, unless newRunID is that
// fork's own placeholder or origin, adopts newRunID as its child: stamps
// lineage in memory and via the backfiller, moves the session's fork head
// onto the placeholder, and removes the pending entry. Returns false if
// there was nothing pending or the run could not be linked to the popped
// entry.
func (e *Engine) TryLink(newRunID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return false
	}
	p := e.pending[0]
	if newRunID == p.PlaceholderRunID || newRunID == p.OriginRunID {
		return false
	}
	e.pending = e.pending[1:]

	entry, ok := e.runs[newRunID]
	if !ok {
		entry = &RunEntry{}
		e.runs[newRunID] = entry
	}
	entry.IsFork = true
	entry.ForkedFromRunID = p.PlaceholderRunID
	if e.store != nil {
		e.store.BackfillLineage(newRunID, true, p.PlaceholderRunID)
	}
	if p.SessionKey != "" {
		e.sessionForkHeads[p.SessionKey] = p.PlaceholderRunID
	}
	e.ancestorCache = make(map[string]ancestorResult)
	return true
}

// DropPendingFork removes the pending fork for placeholderRunID outright,
// without adopting it to any run — used when a pre-fork rewind fails and
// the fork must be aborted. Returns false if no such pending fork was
// found.
func (e *Engine) DropPendingFork(placeholderRunID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, p := range e.pending {
		if p.PlaceholderRunID == placeholderRunID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return true
		}
	}
	return false
}

// ExpirePendingForks removes pending forks whose StartedAtMs is older than
// nowMs - maxAgeMs. Returns the number removed.
func (e *Engine) ExpirePendingForks(nowMs, maxAgeMs int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := nowMs - maxAgeMs
	kept := e.pending[:0]
	removed := 0
	for _, p := range e.pending {
		if p.StartedAtMs < cutoff {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	e.pending = kept
	return removed
}
