// Package agents defines the worker task protocol and the agent endpoint
// registry. Worker agents are opaque task executors reached through the Client
// interface; transport is a collaborator concern, not part of the engine.
package agents

import (
	"context"
	"time"
)

// TaskStatus is the terminal status reported by a worker agent.
type TaskStatus string

const (
	TaskSuccess   TaskStatus = "success"
	TaskError     TaskStatus = "error"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskMetadata ties a task back to its originating research step.
type TaskMetadata struct {
	StepID     string `json:"step_id"`
	ResearchID string `json:"research_id"`
}

// TaskRequest is the request shape of the worker task protocol.
type TaskRequest struct {
	TaskID     string                 `json:"task_id"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Priority   int                    `json:"priority"`
	TimeoutMs  int64                  `json:"timeout_ms"`
	Metadata   TaskMetadata           `json:"metadata"`
}

// SourceCitation is a source reported by a worker agent.
type SourceCitation struct {
	URL              string     `json:"url"`
	Title            string     `json:"title"`
	Author           string     `json:"author,omitempty"`
	PublicationDate  *time.Time `json:"publication_date,omitempty"`
	CredibilityScore float64    `json:"credibility_score"`
	Type             SourceType `json:"type"`
	AccessedAt       time.Time  `json:"accessed_at"`
}

// SourceType classifies where a citation came from.
type SourceType string

const (
	SourceAcademic    SourceType = "academic"
	SourceGovernment  SourceType = "government"
	SourceNews        SourceType = "news"
	SourceWeb         SourceType = "web"
	SourceSocial      SourceType = "social"
	SourceStatistical SourceType = "statistical"
)

// FindingCategory classifies the epistemic standing of a finding.
type FindingCategory string

const (
	CategoryFactual     FindingCategory = "factual"
	CategoryAnalytical  FindingCategory = "analytical"
	CategorySpeculative FindingCategory = "speculative"
)

// Finding is a single claim extracted by a worker agent.
type Finding struct {
	Claim         string          `json:"claim"`
	Evidence      string          `json:"evidence"`
	Confidence    float64         `json:"confidence"`
	SourceIndices []int           `json:"source_indices,omitempty"`
	Category      FindingCategory `json:"category"`
}

// TaskResult carries the research payload of a successful (or partial) task.
type TaskResult struct {
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Sources      []SourceCitation       `json:"sources,omitempty"`
	Findings     []Finding              `json:"findings,omitempty"`
	QualityScore float64                `json:"quality_score"`
	Issues       []string               `json:"issues,omitempty"`
}

// TaskResponse is the response shape of the worker task protocol, delivered
// synchronously or as an asynchronous status-update event of the same shape.
type TaskResponse struct {
	TaskID           string                 `json:"task_id"`
	Status           TaskStatus             `json:"status"`
	Result           *TaskResult            `json:"result,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// Client executes a task against a worker agent endpoint. Execute blocks until
// the worker responds or ctx expires; the scheduler runs it on its own
// goroutine so dispatch itself stays fire-and-forget.
type Client interface {
	Execute(ctx context.Context, endpoint string, req TaskRequest) (TaskResponse, error)
}
