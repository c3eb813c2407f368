package scans

// Phase names the pipeline step a per-image failure happened in.
type Phase string

const (
	PhasePull    Phase = "pull"
	PhaseScan    Phase = "scan"
	PhaseNotify  Phase = "notify"
	PhaseCleanup Phase = "cleanup"
)

// Failure describes one per-image problem observed during a run.
type Failure struct {
	RunID   string
	Account string
	Image   ImageRef
	Phase   Phase
	Err     error
}
