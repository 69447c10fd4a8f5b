package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/buildforever/farm/pkg/fault"
	"github.com/buildforever/farm/pkg/plan"
)

// StepOutcome is one entry of a deployment's step log.
type StepOutcome struct {
	Name     string     `json:"name"`
	Label    string     `json:"label"`
	Status   StepStatus `json:"status"`
	Output   string     `json:"output,omitempty"`
	Error    string     `json:"error,omitempty"`
	Kind     fault.Kind `json:"kind,omitempty"`
	Started  time.Time  `json:"started"`
	Finished time.Time  `json:"finished"`
}

// Record tracks one deployment from submission to its terminal state.
// It has exactly one writer, the orchestrator run that owns it; readers
// take a Snapshot.
type Record struct {
	lock sync.Mutex

	ID           uuid.UUID
	Request      plan.Request
	CredentialID string

	State     State
	Progress  int
	Current   string
	Warning   string
	StepLog   []StepOutcome
	Created   time.Time
	Started   time.Time
	Completed time.Time
}

func NewRecord(req plan.Request) *Record {
	return &Record{
		ID:      uuid.New(),
		Request: req,
		State:   StatePending,
		Created: time.Now(),
	}
}

// Snapshot is a consistent read-only copy of a record.
type Snapshot struct {
	ID           uuid.UUID `json:"id"`
	CredentialID string    `json:"credentialId,omitempty"`

	State     State         `json:"state"`
	Progress  int           `json:"progressPercent"`
	Current   string        `json:"currentStepLabel"`
	Warning   string        `json:"capacityWarning,omitempty"`
	StepLog   []StepOutcome `json:"stepLog"`
	Created   time.Time     `json:"created"`
	Started   time.Time     `json:"started,omitempty"`
	Completed time.Time     `json:"completed,omitempty"`
}

func (r *Record) Snapshot() Snapshot {
	r.lock.Lock()
	defer r.lock.Unlock()
	log := make([]StepOutcome, len(r.StepLog))
	copy(log, r.StepLog)
	return Snapshot{
		ID:           r.ID,
		CredentialID: r.CredentialID,
		State:        r.State,
		Progress:     r.Progress,
		Current:      r.Current,
		Warning:      r.Warning,
		StepLog:      log,
		Created:      r.Created,
		Started:      r.Started,
		Completed:    r.Completed,
	}
}

func (r *Record) setState(state State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.State = state
	switch state {
	case StateExecuting:
		if r.Started.IsZero() {
			r.Started = time.Now()
		}
	case StateComplete, StateFailed, StatePartial, StateCancelled:
		r.Completed = time.Now()
	}
}

func (r *Record) setCurrent(label string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Current = label
}

func (r *Record) setWarning(warning string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.Warning = warning
}

func (r *Record) appendOutcome(outcome StepOutcome) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.StepLog = append(r.StepLog, outcome)
}

// advanceProgress recomputes the progress percentage from completed
// steps. Progress never decreases, and a failed deployment keeps the
// value it had when the failure happened.
func (r *Record) advanceProgress(done, total int) {
	if total == 0 {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	pct := done * 100 / total
	if pct > r.Progress {
		r.Progress = pct
	}
}

// Store persists record snapshots. The orchestrator calls it after
// every state transition; implementations must tolerate being called
// repeatedly with the same identifier.
type Store interface {
	SaveDeployment(ctx context.Context, snapshot Snapshot, request plan.Request) error
}

// DiscardStore drops every snapshot. Used when persistence is disabled.
type DiscardStore struct{}

func (DiscardStore) SaveDeployment(context.Context, Snapshot, plan.Request) error {
	return nil
}
