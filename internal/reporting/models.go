package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics over calls created within Range.
// Workspace isolation: WorkspaceID is required unless AllWorkspaces is set.
type CallsSummaryRequest struct {
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	AllWorkspaces bool      `json:"-"`
	Range         TimeRange `json:"range"`
}

type CallsSummary struct {
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Range       TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	InitiatingCalls int `json:"initiating_calls"`
	RingingCalls    int `json:"ringing_calls"`
	AnsweredCalls   int `json:"answered_calls"`
	InProgressCalls int `json:"in_progress_calls"`
	EndedCalls      int `json:"ended_calls"`
	FailedCalls     int `json:"failed_calls"`

	// ConnectedCalls counts calls that were ever answered, whatever their current state.
	ConnectedCalls int     `json:"connected_calls"`
	ConnectionRate float64 `json:"connection_rate"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	RecordedCalls    int `json:"recorded_calls"`
	TranscribedCalls int `json:"transcribed_calls"`
}
