// Package lineage reconstructs the branching run topology from an event
// stream whose parent/child links are only implicit in arrival timing and
// session-key hints.
package lineage

import "sync"

// MAIN is the sentinel branch key for runs with no explicit fork ancestor.
const MAIN = "MAIN"

// DefaultPromotionMaxEvents is the number of already-recorded events a run
// may have and still be eligible for fork-head promotion. Tunable via
// FORKED_PROMOTION_MAX_EVENTS (see internal/config).
const DefaultPromotionMaxEvents = 2

// RunEntry is the in-memory lineage stamp for one run.
type RunEntry struct {
	IsFork          bool
	ForkedFromRunID string
	SessionKey      string
}

type backfiller interface {
	BackfillLineage(runID string, isFork bool, forkedFromRunID string) error
}

// Engine tracks run lineage, session fork heads, and branch topology in
// memory, persisting promotions back through the given backfiller.
type Engine struct {
	mu sync.RWMutex

	store              backfiller
	promotionMaxEvents int

	runs             map[string]*RunEntry
	sessionForkHeads map[string]string
	hasForkInfo      map[string]bool
	eventCounts      map[string]int
	ancestorCache    map[string]ancestorResult
	pending          []PendingFork
}

type ancestorResult struct {
	runID string
	found bool
}

// NewEngine constructs a lineage Engine. promotionMaxEvents <= 0 falls back
// to DefaultPromotionMaxEvents.
func NewEngine(store backfiller, promotionMaxEvents int) *Engine {
	if promotionMaxEvents <= 0 {
		promotionMaxEvents = DefaultPromotionMaxEvents
	}
	return &Engine{
		store:              store,
		promotionMaxEvents: promotionMaxEvents,
		runs:               make(map[string]*RunEntry),
		sessionForkHeads:   make(map[string]string),
		hasForkInfo:        make(map[string]bool),
		eventCounts:        make(map[string]int),
		ancestorCache:      make(map[string]ancestorResult),
	}
}

// Observe resolves the lineage stamp for one incoming event, updating
// in-memory state and promoting the run if the session has a recorded fork
// head. Returns the (is_fork, forked_from_run_id) pair to stamp on the
// event about to be persisted.
func (e *Engine) Observe(runID string, sessionKey *string) (isFork bool, forkedFromRunID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	priorCount := e.eventCounts[runID]
	e.eventCounts[runID] = priorCount + 1

	entry, ok := e.runs[runID]
	if !ok {
		entry = &RunEntry{}
		e.runs[runID] = entry
	}
	if sessionKey != nil && *sessionKey != "" && entry.SessionKey != *sessionKey {
		entry.SessionKey = *sessionKey
	}

	if !entry.IsFork && entry.SessionKey != "" {
		if head, ok := e.sessionForkHeads[entry.SessionKey]; ok && head != runID && priorCount <= e.promotionMaxEvents {
			entry.IsFork = true
			entry.ForkedFromRunID = head
			if e.store != nil {
				e.store.BackfillLineage(runID, true, head)
			}
		}
	}

	return entry.IsFork, entry.ForkedFromRunID
}

// SetSessionForkHead records the most recent explicit fork placeholder for
// a session. Ancestor traversal does not read session fork heads, so the
// ancestor cache is left as it is.
func (e *Engine) SetSessionForkHead(sessionKey, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionForkHeads[sessionKey] = runID
}

// SessionForkHead returns the recorded fork head for sessionKey, if any.
func (e *Engine) SessionForkHead(sessionKey string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	head, ok := e.sessionForkHeads[sessionKey]
	return head, ok
}

// MarkHasForkInfo records that runID owns a fork_info event (seq 0 of an
// explicit fork placeholder run), used by branch assignment and ancestor
// traversal.
func (e *Engine) MarkHasForkInfo(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hasForkInfo[runID] = true
	e.ancestorCache = make(map[string]ancestorResult)
}

// StampLineage force-sets a run's lineage entry (used by the Fork Engine
// when it writes the placeholder's own fork_info row, and by TryLink when
// adopting a pending fork).
func (e *Engine) StampLineage(runID string, isFork bool, forkedFromRunID, sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.runs[runID]
	if !ok {
		entry = &RunEntry{}
		e.runs[runID] = entry
	}
	entry.IsFork = isFork
	entry.ForkedFromRunID = forkedFromRunID
	if sessionKey != "" {
		entry.SessionKey = sessionKey
	}
	e.ancestorCache = make(map[string]ancestorResult)
}

// EventCount reports how many events Observe has recorded for runID so far
// (including the most recent call). Used by the Ingestor to detect a run's
// first-ever event for pending-fork linkage.
func (e *Engine) EventCount(runID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.eventCounts[runID]
}

// Entry returns a copy of the lineage entry for runID, if known.
func (e *Engine) Entry(runID string) (RunEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.runs[runID]
	if !ok {
		return RunEntry{}, false
	}
	return *entry, true
}

// NearestExplicitAncestor walks forked_from_run_id pointers starting at
// startRunID until it finds a run that owns a fork_info event. Results
// are memoized; a visited set guards against cycles.
func (e *Engine) NearestExplicitAncestor(startRunID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nearestExplicitAncestorLocked(startRunID)
}

func (e *Engine) nearestExplicitAncestorLocked(startRunID string) (string, bool) {
	if cached, ok := e.ancestorCache[startRunID]; ok {
		return cached.runID, cached.found
	}

	visited := make(map[string]bool)
	cur := startRunID
	for cur != "" {
		if visited[cur] {
			break
		}
		visited[cur] = true
		if e.hasForkInfo[cur] {
			e.ancestorCache[startRunID] = ancestorResult{cur, true}
			return cur, true
		}
		entry, ok := e.runs[cur]
		if !ok {
			break
		}
		cur = entry.ForkedFromRunID
	}

	e.ancestorCache[startRunID] = ancestorResult{"", false}
	return "", false
}

// BranchKey assigns a run to its branch topology key: its own run_id if it
// owns a fork_info event, its nearest explicit ancestor if it is a fork,
// else MAIN.
func (e *Engine) BranchKey(runID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasForkInfo[runID] {
		return runID
	}
	entry, ok := e.runs[runID]
	if !ok || !entry.IsFork || entry.ForkedFromRunID == "" {
		return MAIN
	}
	if anc, found := e.nearestExplicitAncestorLocked(entry.ForkedFromRunID); found {
		return anc
	}
	return MAIN
}
