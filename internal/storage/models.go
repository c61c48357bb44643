package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrReferenced is returned when deleting a record that other records
	// still depend on (a project with evaluation datasets).
	ErrReferenced = errors.New("still referenced")

	// ErrClaimLost is returned when a worker's claim on a memo has expired
	// or been taken over by another worker.
	ErrClaimLost = errors.New("claim lost")

	// ErrNotClaimable is returned when a memo is neither pending nor held
	// by an expired claim.
	ErrNotClaimable = errors.New("memo not claimable")

	// ErrInvalidTransition is returned for a status change the memo state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type MemoStatus string

const (
	StatusPending    MemoStatus = "pending"
	StatusProcessing MemoStatus = "processing"
	StatusProcessed  MemoStatus = "processed"
	StatusFailed     MemoStatus = "failed"
)

func (s MemoStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

type Project struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	QueryRewriteEnabled bool            `json:"query_rewrite_enabled"`
	RAGConfig           json.RawMessage `json:"rag_config"`
	CreatedAt           time.Time       `json:"created_at"`
}

type Memo struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	ExternalID      string     `json:"external_id,omitempty"`
	Content         string     `json:"content"`
	ContentType     string     `json:"content_type"`
	Status          MemoStatus `json:"status"`
	ProcessingError string     `json:"processing_error,omitempty"`
	ErrorClass      string     `json:"error_class,omitempty"`
	Scopes          []string   `json:"scopes"`
	Attempts        int        `json:"attempts"`
	ClaimToken      string     `json:"-"`
	ClaimExpiresAt  time.Time  `json:"-"`
	RunAfter        time.Time  `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type EvaluationDataset struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type EvaluationCase struct {
	ID             string   `json:"id"`
	DatasetID      string   `json:"dataset_id"`
	Position       int      `json:"position"`
	Query          string   `json:"query"`
	ExpectedIDs    []string `json:"expected_ids"`
	ExpectedAnswer string   `json:"expected_answer,omitempty"`
	Weight         float64  `json:"weight"`
	Scopes         []string `json:"scopes,omitempty"`
}

// RunRecord is a persisted evaluation run. Config and Aggregate are stored
// as JSON documents owned by the eval package.
type RunRecord struct {
	ID          string
	DatasetID   string
	Status      string
	Config      json.RawMessage
	Aggregate   json.RawMessage
	CasesTotal  int
	CasesScored int
	CasesFailed int
	StartedAt   time.Time
	FinishedAt  time.Time
}

type CaseResultRecord struct {
	RunID          string
	CaseID         string
	Position       int
	Query          string
	RewrittenQuery string
	RetrievedIDs   []string
	Scores         map[string]float64
	Scored         bool
	Error          string
}
