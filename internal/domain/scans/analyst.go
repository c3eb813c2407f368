package scans

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Vulnerability is one finding as reported by trivy.
type Vulnerability struct {
	VulnerabilityID  string   `json:"VulnerabilityID"`
	PkgName          string   `json:"PkgName"`
	InstalledVersion string   `json:"InstalledVersion,omitempty"`
	FixedVersion     string   `json:"FixedVersion,omitempty"`
	Title            string   `json:"Title,omitempty"`
	Description      string   `json:"Description,omitempty"`
	Severity         string   `json:"Severity"`
	PrimaryURL       string   `json:"PrimaryURL,omitempty"`
	References       []string `json:"References,omitempty"`
}

// Target groups the findings trivy reports for one layer of an image
// (the OS packages, a language lockfile, ...).
type Target struct {
	Target          string          `json:"Target"`
	Class           string          `json:"Class,omitempty"`
	Type            string          `json:"Type,omitempty"`
	Vulnerabilities []Vulnerability `json:"Vulnerabilities"`
}

// ParseReport decodes trivy JSON output. Both the current report object
// ({"Results": [...]}) and the legacy top-level array of targets are accepted.
func ParseReport(data []byte) ([]Target, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty trivy report")
	}

	if data[0] == '[' {
		var targets []Target
		if err := json.Unmarshal(data, &targets); err != nil {
			return nil, fmt.Errorf("decoding trivy report: %w", err)
		}
		return targets, nil
	}

	var doc struct {
		SchemaVersion int      `json:"SchemaVersion"`
		ArtifactName  string   `json:"ArtifactName"`
		Results       []Target `json:"Results"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding trivy report: %w", err)
	}
	return doc.Results, nil
}

// ParseSeverityCounts tallies every finding of every target by severity.
func ParseSeverityCounts(targets []Target) SeverityCounts {
	var c SeverityCounts
	for _, t := range targets {
		for _, v := range t.Vulnerabilities {
			c.Add(v.Severity)
		}
	}
	return c
}
