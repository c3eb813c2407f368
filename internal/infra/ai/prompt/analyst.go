package prompt

import (
	"encoding/json"
	"fmt"

	"github.com/bryanwahyu/ecranner/internal/domain/ai"
)

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are a senior container security analyst triaging trivy results for images stored in AWS ECR. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- Use lowercase severity values: critical, high, medium, low, info.
- counts must repeat the counts given in the input.
- findings is an array of objects grouped by package; include at least a title, severity, and summary. Keep items concise.
- Prefer upgrades to the listed fixed_version. When no fix exists, say so and suggest a mitigation.
- If findings are not provided, reason from the counts and image name conservatively.

Schema (example with empty values):
{
  "image": "<string>",
  "counts": {"critical": 0, "high": 0, "medium": 0, "low": 0, "total": 0},
  "findings": [
    {
      "title": "<string>",
      "severity": "<critical|high|medium|low|info>",
      "summary": "<string>",
      "recommendation": "<string>"
    }
  ],
  "advice": "<string>"
}`
}

// GetUserPrompt embeds the report as JSON.
func GetUserPrompt(report ai.Report) (string, error) {
	b, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	return fmt.Sprintf("Triage the vulnerabilities of this image and respond with the JSON per schema.\n%s", b), nil
}

// Suggestion is the structure the system prompt asks the model for.
type Suggestion struct {
	Image  string `json:"image"`
	Counts struct {
		Critical int `json:"critical"`
		High     int `json:"high"`
		Medium   int `json:"medium"`
		Low      int `json:"low"`
		Total    int `json:"total"`
	} `json:"counts"`
	Findings []struct {
		Title          string `json:"title"`
		Severity       string `json:"severity"`
		Summary        string `json:"summary"`
		Recommendation string `json:"recommendation"`
	} `json:"findings"`
	Advice string `json:"advice"`
}

// ParseSuggestion checks that the model answered with the expected object.
func ParseSuggestion(raw string) (Suggestion, error) {
	var s Suggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("model output is not valid JSON: %w", err)
	}
	return s, nil
}
