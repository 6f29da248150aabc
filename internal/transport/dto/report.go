package dto

import "time"

// RunReportDTO is a protocol-agnostic summary of one finished maintenance run.
// It decouples the agent's view of a run from the transport used to ship it.
type RunReportDTO struct {
	Trigger   string     `json:"trigger"`
	Namespace string     `json:"namespace"`
	RunName   string     `json:"runName"`
	Outcome   string     `json:"outcome"` // "succeeded" or "failed"
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Retries   int32      `json:"retries,omitempty"`
	Message   string     `json:"message,omitempty"`
}
