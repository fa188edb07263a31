package stepflow

import (
	"maps"
	"slices"
	"time"

	"github.com/deepnoodle-ai/stepflow/state"
)

// CheckpointVersion is the current checkpoint schema version.
const CheckpointVersion = 1

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// ExecutorStatus represents the status of one executor within a run
type ExecutorStatus string

const (
	ExecutorStatusIdle      ExecutorStatus = "idle"
	ExecutorStatusReady     ExecutorStatus = "ready"
	ExecutorStatusRunning   ExecutorStatus = "running"
	ExecutorStatusSuspended ExecutorStatus = "suspended"
	ExecutorStatusCompleted ExecutorStatus = "completed"
	ExecutorStatusFailed    ExecutorStatus = "failed"
	ExecutorStatusCancelled ExecutorStatus = "cancelled"
)

// IsTerminal reports whether the executor can never run again in this run.
// Completed executors may be scheduled again when new input arrives.
func (s ExecutorStatus) IsTerminal() bool {
	return s == ExecutorStatusFailed || s == ExecutorStatusCancelled
}

// RequestStatus tracks a pending request through the ledger
type RequestStatus string

const (
	// RequestStatusPending means the request awaits an answer
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusAnswered means an answer arrived but has not been delivered
	RequestStatusAnswered RequestStatus = "answered"
	// RequestStatusConsumed means the answer was delivered in a checkpointed superstep
	RequestStatusConsumed RequestStatus = "consumed"
)

// RequestRecord is one entry of the pending-request ledger
type RequestRecord struct {
	ID         string        `json:"id"`
	ExecutorID string        `json:"executor_id"`
	Superstep  int           `json:"superstep"`
	Payload    state.Value   `json:"payload"`
	Status     RequestStatus `json:"status"`
	Answer     state.Value   `json:"answer,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	AnsweredAt time.Time     `json:"answered_at,omitzero"`
}

func (r *RequestRecord) clone() *RequestRecord {
	c := *r
	c.Payload = r.Payload.Clone()
	c.Answer = r.Answer.Clone()
	return &c
}

// Message is one delivery of input to an executor in the next superstep
type Message struct {
	Target    string      `json:"target"`
	Source    string      `json:"source,omitempty"`
	Input     state.Value `json:"input"`
	RequestID string      `json:"request_id,omitempty"`
}

func (m *Message) clone() *Message {
	c := *m
	c.Input = m.Input.Clone()
	return &c
}

// JoinState buffers fan-in deliveries until every source has produced
type JoinState struct {
	Received map[string]state.Value `json:"received"`
}

// Checkpoint is an immutable snapshot of a run taken at a superstep
// boundary. Checkpoints are keyed by (RunID, Superstep) and never rewritten.
type Checkpoint struct {
	Version      int                       `json:"version"`
	RunID        string                    `json:"run_id"`
	ParentRunID  string                    `json:"parent_run_id,omitempty"`
	Workflow     string                    `json:"workflow"`
	Superstep    int                       `json:"superstep"`
	Status       RunStatus                 `json:"status"`
	State        map[string]state.Value    `json:"state"`
	Requests     []*RequestRecord          `json:"requests,omitempty"`
	Inbox        []*Message                `json:"inbox,omitempty"`
	Joins        map[string]*JoinState     `json:"joins,omitempty"`
	Executors    map[string]ExecutorStatus `json:"executors"`
	Failures     map[string]string         `json:"failures,omitempty"`
	Outputs      []state.Value             `json:"outputs,omitempty"`
	Sequence     int64                     `json:"sequence"`
	CreatedAt    time.Time                 `json:"created_at"`
	CheckpointAt time.Time                 `json:"checkpoint_at"`
}

// Ref returns the store-independent reference for the checkpoint.
func (c *Checkpoint) Ref() CheckpointRef {
	return CheckpointRef{RunID: c.RunID, Superstep: c.Superstep}
}

// PendingRequests returns ledger entries still awaiting an answer.
func (c *Checkpoint) PendingRequests() []*RequestRecord {
	var out []*RequestRecord
	for _, r := range c.Requests {
		if r.Status == RequestStatusPending {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy of the checkpoint.
func (c *Checkpoint) Clone() *Checkpoint {
	out := *c
	if c.State != nil {
		out.State = make(map[string]state.Value, len(c.State))
		for k, v := range c.State {
			out.State[k] = v.Clone()
		}
	}
	if c.Requests != nil {
		out.Requests = make([]*RequestRecord, 0, len(c.Requests))
		for _, r := range c.Requests {
			out.Requests = append(out.Requests, r.clone())
		}
	}
	if c.Inbox != nil {
		out.Inbox = make([]*Message, 0, len(c.Inbox))
		for _, m := range c.Inbox {
			out.Inbox = append(out.Inbox, m.clone())
		}
	}
	if c.Joins != nil {
		out.Joins = make(map[string]*JoinState, len(c.Joins))
		for k, j := range c.Joins {
			out.Joins[k] = &JoinState{Received: maps.Clone(j.Received)}
		}
	}
	out.Executors = maps.Clone(c.Executors)
	out.Failures = maps.Clone(c.Failures)
	out.Outputs = slices.Clone(c.Outputs)
	return &out
}

// CheckpointRef identifies a stored checkpoint
type CheckpointRef struct {
	RunID     string `json:"run_id"`
	Superstep int    `json:"superstep"`
	// Location is a backend-specific address, such as a file path or key.
	Location string `json:"location,omitempty"`
}
