package stepflow

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/deepnoodle-ai/stepflow/state"
)

// UpdateKind identifies what an AgentResponseUpdate carries
type UpdateKind string

const (
	// UpdateKindContent carries content emitted by an executor mid-superstep
	UpdateKindContent UpdateKind = "content"
	// UpdateKindRequest carries a pending request that needs an answer
	UpdateKindRequest UpdateKind = "request"
	// UpdateKindOutput carries a workflow output
	UpdateKindOutput UpdateKind = "output"
	// UpdateKindFailure reports an isolated executor failure
	UpdateKindFailure UpdateKind = "failure"
	// UpdateKindSuperstep reports a committed checkpoint
	UpdateKindSuperstep UpdateKind = "superstep"
)

// AgentResponseUpdate is one incremental result of a run. Sequence numbers
// increase by one per update across the whole run, including resumed
// segments, so consumers can detect content replayed after a resume.
type AgentResponseUpdate struct {
	RunID      string         `json:"run_id"`
	Sequence   int64          `json:"sequence"`
	Superstep  int            `json:"superstep"`
	ExecutorID string         `json:"executor_id,omitempty"`
	Kind       UpdateKind     `json:"kind"`
	Contents   Contents       `json:"contents,omitempty"`
	Request    *RequestRecord `json:"request,omitempty"`
	Output     state.Value    `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Checkpoint *CheckpointRef `json:"checkpoint,omitempty"`
}

// AgentResponse is the single terminal result of a run
type AgentResponse struct {
	RunID     string                    `json:"run_id"`
	Status    RunStatus                 `json:"status"`
	Superstep int                       `json:"superstep"`
	Outputs   []state.Value             `json:"outputs,omitempty"`
	Executors map[string]ExecutorStatus `json:"executors"`
	Failures  map[string]string         `json:"failures,omitempty"`
	Error     string                    `json:"error,omitempty"`
	Err       error                     `json:"-"`
}

// Output returns the last workflow output, or nil when there is none
func (r *AgentResponse) Output() state.Value {
	if len(r.Outputs) == 0 {
		return nil
	}
	return r.Outputs[len(r.Outputs)-1]
}

// Decode decodes the last workflow output into v
func (r *AgentResponse) Decode(v any) error {
	out := r.Output()
	if out == nil {
		return fmt.Errorf("run %s produced no output", r.RunID)
	}
	return out.Decode(v)
}

// updateSink receives updates from a run.
type updateSink interface {
	push(update *AgentResponseUpdate)
}

// Stream is the ordered sequence of updates of one run, terminated by
// exactly one AgentResponse. Updates are buffered without bound, so
// producers never block on slow consumers.
type Stream struct {
	runID string

	mu       sync.Mutex
	updates  []*AgentResponseUpdate
	cursor   int
	changed  chan struct{}
	response *AgentResponse
	done     chan struct{}
}

func newStream(runID string) *Stream {
	return &Stream{
		runID:   runID,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RunID returns the id of the run this stream belongs to
func (s *Stream) RunID() string {
	return s.runID
}

func (s *Stream) push(update *AgentResponseUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.response != nil {
		return
	}
	s.updates = append(s.updates, update)
	close(s.changed)
	s.changed = make(chan struct{})
}

// finish records the terminal response. Only the first call has effect.
func (s *Stream) finish(resp *AgentResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.response != nil {
		return
	}
	s.response = resp
	close(s.changed)
	s.changed = make(chan struct{})
	close(s.done)
}

// Next returns the next unread update. It blocks until one is available
// and returns false once the stream has ended and every update was read,
// or when ctx is done.
func (s *Stream) Next(ctx context.Context) (*AgentResponseUpdate, bool) {
	for {
		s.mu.Lock()
		if s.cursor < len(s.updates) {
			u := s.updates[s.cursor]
			s.cursor++
			s.mu.Unlock()
			return u, true
		}
		if s.response != nil {
			s.mu.Unlock()
			return nil, false
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// All iterates over the remaining updates until the stream ends or ctx is
// done
func (s *Stream) All(ctx context.Context) iter.Seq[*AgentResponseUpdate] {
	return func(yield func(*AgentResponseUpdate) bool) {
		for {
			u, ok := s.Next(ctx)
			if !ok || !yield(u) {
				return
			}
		}
	}
}

// Updates returns a copy of every update received so far
func (s *Stream) Updates() []*AgentResponseUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AgentResponseUpdate, len(s.updates))
	copy(out, s.updates)
	return out
}

// Done is closed when the terminal response is available
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the run reaches a terminal status and returns its
// response. The returned error is non-nil only when ctx ends first; run
// failures are reported in the response.
func (s *Stream) Wait(ctx context.Context) (*AgentResponse, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
