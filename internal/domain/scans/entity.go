package scans

import (
	"time"
)

// ID tipe untuk Scan
type ScanID string

// Status enum
type Status string

const (
	StatusSuccess Status = "success"
	// StatusAbsent marks a scan that produced no usable report.
	StatusAbsent Status = "absent"
)

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
	Total    int `json:"total"`
}

// Add counts one finding of the given trivy severity.
func (c *SeverityCounts) Add(severity string) {
	switch severity {
	case "CRITICAL", "critical":
		c.Critical++
	case "HIGH", "high":
		c.High++
	case "MEDIUM", "medium":
		c.Medium++
	case "LOW", "low":
		c.Low++
	default:
		c.Unknown++
	}
	c.Total++
}

// Account describes one registry account and the images to pull from it.
// An empty Images list means every tagged image in the account, narrowed to
// Tag when it is set.
type Account struct {
	Name            string
	AccountID       string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Images          []string
	Tag             string
}

// Aggregate Root: Scan
type Scan struct {
	ID          ScanID         `json:"id"`
	RunID       string         `json:"run_id"`
	Account     string         `json:"account"`
	TriggeredAt time.Time      `json:"triggered_at"`
	Image       ImageRef       `json:"image"`
	Status      Status         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Counts      SeverityCounts `json:"counts"`
	ArtifactURL string         `json:"artifact_url,omitempty"`
	RawFormat   string         `json:"raw_format,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
}
