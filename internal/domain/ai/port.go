package ai

import (
	"context"

	"github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// Finding summarises one vulnerability handed to the model.
type Finding struct {
	ID       string `json:"id"`
	Package  string `json:"package"`
	Severity string `json:"severity"`
	Title    string `json:"title,omitempty"`
	Fixed    string `json:"fixed_version,omitempty"`
}

// Report is the model input for one scanned image.
type Report struct {
	Image       string               `json:"image"`
	ArtifactURL string               `json:"artifact_url,omitempty"`
	Counts      scans.SeverityCounts `json:"counts"`
	Findings    []Finding            `json:"findings"`
}

// NewReport builds the model input from a stored scan and, when available,
// the parsed trivy targets.
func NewReport(scan *scans.Scan, targets []scans.Target) Report {
	r := Report{
		Image:       scan.Image.String(),
		ArtifactURL: scan.ArtifactURL,
		Counts:      scan.Counts,
		Findings:    []Finding{},
	}
	for _, t := range targets {
		for _, v := range t.Vulnerabilities {
			r.Findings = append(r.Findings, Finding{
				ID:       v.VulnerabilityID,
				Package:  v.PkgName,
				Severity: v.Severity,
				Title:    v.Title,
				Fixed:    v.FixedVersion,
			})
		}
	}
	return r
}

type Client interface {
	Analyze(ctx context.Context, report Report) (string, error)
}
