package stepflow

import "time"

// RunSummary provides a summary view of a stored run
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Workflow    string    `json:"workflow"`
	Status      RunStatus `json:"status"`
	Superstep   int       `json:"superstep"`
	Checkpoints int       `json:"checkpoints"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Duration is the time between the first and the latest checkpoint
func (s *RunSummary) Duration() time.Duration {
	return s.UpdatedAt.Sub(s.CreatedAt)
}
