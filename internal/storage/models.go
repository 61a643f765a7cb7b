package storage

import "time"

// Execution is one audited execution. Code is never stored, only its hash.
type Execution struct {
	ID              string    `json:"id" db:"id"`
	Language        string    `json:"language" db:"language"`
	CodeHash        string    `json:"code_hash" db:"code_hash"`
	Status          string    `json:"status" db:"status"` // success or error
	Output          string    `json:"output" db:"output"`
	Error           string    `json:"error" db:"error"`
	ExecutionTimeMS int64     `json:"execution_time_ms" db:"execution_time_ms"`
	Provider        string    `json:"provider" db:"provider"`
	PolicyBlocked   bool      `json:"policy_blocked" db:"policy_blocked"`
	RequestIP       string    `json:"request_ip" db:"request_ip"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Language      string
	Status        string
	PolicyBlocked *bool
	Limit         int
	Offset        int
}
