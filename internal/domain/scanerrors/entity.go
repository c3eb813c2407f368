package scanerrors

import "time"

// ScanError represents a persisted per-image failure of a run
type ScanError struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"run_id"`
	Account     string    `json:"account"`
	Image       string    `json:"image,omitempty"`
	Phase       string    `json:"phase,omitempty"` // pull | scan | notify | cleanup
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"created_at"`
}
