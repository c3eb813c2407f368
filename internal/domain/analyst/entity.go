package analyst

import "time"

// AnalysisID identifier type
type AnalysisID string

// Analysis is an AI triage of one stored trivy report
type Analysis struct {
	ID        AnalysisID `json:"id"`
	Account   string     `json:"account"`
	ScanID    string     `json:"scan_id,omitempty"`
	Image     string     `json:"image,omitempty"`
	FileURL   string     `json:"file_url"`
	Result    string     `json:"result"` // JSON string from AI
	CreatedAt time.Time  `json:"created_at"`
}
