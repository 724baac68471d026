package httpapi

import (
	"sync"
	"time"

	"github.com/agentacademy/workregistry/internal/catalog"
)

const (
	runStatusRunning   = "running"
	runStatusSucceeded = "succeeded"
	runStatusFailed    = "failed"

	runEventProgress  = "progress"
	runEventCompleted = "completed"
	runEventFailed    = "failed"

	runSubscriberBuffer = 16
)

type runEvent struct {
	Type     string                     `json:"type"`
	RunID    string                     `json:"runId"`
	Progress *catalog.ReconcileProgress `json:"progress,omitempty"`
	Summary  *catalog.ReconcileSummary  `json:"summary,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

type runStatus struct {
	RunID         string                    `json:"runId"`
	AgentID       string                    `json:"agentId"`
	ExpectedCount int                       `json:"expectedCount"`
	Status        string                    `json:"status"`
	StartedAt     string                    `json:"startedAt"`
	FinishedAt    *string                   `json:"finishedAt,omitempty"`
	Summary       *catalog.ReconcileSummary `json:"summary,omitempty"`
	Error         string                    `json:"error,omitempty"`
}

type runRecord struct {
	status      runStatus
	subscribers map[chan runEvent]struct{}
	done        bool
	terminal    runEvent
}

// runRegistry tracks in-flight and finished reconciliation runs and fans
// progress events out to websocket subscribers. State is process-local;
// a restart forgets past runs, which is fine because the catalog itself
// carries no run state.
type runRegistry struct {
	mu   sync.Mutex
	runs map[string]*runRecord
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: map[string]*runRecord{}}
}

func (r *runRegistry) start(runID, agentID string, expectedCount int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &runRecord{
		status: runStatus{
			RunID:         runID,
			AgentID:       agentID,
			ExpectedCount: expectedCount,
			Status:        runStatusRunning,
			StartedAt:     now.UTC().Format(time.RFC3339),
		},
		subscribers: map[chan runEvent]struct{}{},
	}
}

func (r *runRegistry) publish(runID string, progress catalog.ReconcileProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.runs[runID]
	if !ok || record.done {
		return
	}
	event := runEvent{Type: runEventProgress, RunID: runID, Progress: &progress}
	for subscriber := range record.subscribers {
		select {
		case subscriber <- event:
		default:
			// Slow subscriber; progress events are advisory, drop it.
		}
	}
}

func (r *runRegistry) finish(runID string, summary catalog.ReconcileSummary, runErr error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.runs[runID]
	if !ok || record.done {
		return
	}
	finishedAt := now.UTC().Format(time.RFC3339)
	record.status.FinishedAt = &finishedAt
	record.status.Summary = &summary
	if runErr != nil {
		record.status.Status = runStatusFailed
		record.status.Error = runErr.Error()
		record.terminal = runEvent{Type: runEventFailed, RunID: runID, Summary: &summary, Error: runErr.Error()}
	} else {
		record.status.Status = runStatusSucceeded
		record.terminal = runEvent{Type: runEventCompleted, RunID: runID, Summary: &summary}
	}
	record.done = true
	for subscriber := range record.subscribers {
		select {
		case subscriber <- record.terminal:
		default:
		}
		close(subscriber)
	}
	record.subscribers = map[chan runEvent]struct{}{}
}

func (r *runRegistry) get(runID string) (runStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.runs[runID]
	if !ok {
		return runStatus{}, false
	}
	return record.status, true
}

// subscribe returns a channel of run events; the channel is closed after
// the terminal event. Subscribing to a finished run delivers just the
// terminal event.
func (r *runRegistry) subscribe(runID string) (chan runEvent, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.runs[runID]
	if !ok {
		return nil, nil, false
	}
	subscriber := make(chan runEvent, runSubscriberBuffer)
	if record.done {
		subscriber <- record.terminal
		close(subscriber)
		return subscriber, func() {}, true
	}
	record.subscribers[subscriber] = struct{}{}
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if rec, stillThere := r.runs[runID]; stillThere {
			if _, subscribed := rec.subscribers[subscriber]; subscribed {
				delete(rec.subscribers, subscriber)
				close(subscriber)
			}
		}
	}
	return subscriber, cancel, true
}
