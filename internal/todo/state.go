package todo

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/teleclaude/teleclaude/internal/constants"
	"github.com/teleclaude/teleclaude/internal/util"
)

// Phase names a workflow phase of a work item.
type Phase string

const (
	PhasePrepare  Phase = "prepare"
	PhaseBuild    Phase = "build"
	PhaseReview   Phase = "review"
	PhaseFinalize Phase = "finalize"
)

// ValidPhases returns all phase names in workflow order.
func ValidPhases() []Phase {
	return []Phase{PhasePrepare, PhaseBuild, PhaseReview, PhaseFinalize}
}

// IsValidPhase checks if a string names a phase.
func IsValidPhase(phase string) bool {
	switch Phase(phase) {
	case PhasePrepare, PhaseBuild, PhaseReview, PhaseFinalize:
		return true
	default:
		return false
	}
}

// PhaseStatus is the status of one phase within state.yaml.
type PhaseStatus string

const (
	PhasePending          PhaseStatus = "pending"
	PhaseInProgress       PhaseStatus = "in_progress"
	PhaseComplete         PhaseStatus = "complete"
	PhaseChangesRequested PhaseStatus = "changes_requested"
	PhaseApproved         PhaseStatus = "approved"
	PhaseClosed           PhaseStatus = "closed"
)

// IsValidPhaseStatus checks if a string names a phase status.
func IsValidPhaseStatus(status string) bool {
	switch PhaseStatus(status) {
	case PhasePending, PhaseInProgress, PhaseComplete, PhaseChangesRequested, PhaseApproved, PhaseClosed:
		return true
	default:
		return false
	}
}

// State mirrors todos/{slug}/state.yaml.
type State struct {
	Phase       Phase                 `yaml:"phase"`
	Phases      map[Phase]PhaseStatus `yaml:"phases"`
	ReviewRound int                   `yaml:"review_round"`
	Signal      string                `yaml:"signal,omitempty"`
}

// NewState returns the state of an untouched work item.
func NewState() *State {
	return &State{
		Phase: PhasePrepare,
		Phases: map[Phase]PhaseStatus{
			PhasePrepare:  PhasePending,
			PhaseBuild:    PhasePending,
			PhaseReview:   PhasePending,
			PhaseFinalize: PhasePending,
		},
	}
}

// StatusOf returns the stored status for a phase, defaulting to pending.
func (s *State) StatusOf(phase Phase) PhaseStatus {
	if s.Phases == nil {
		return PhasePending
	}
	st, ok := s.Phases[phase]
	if !ok || st == "" {
		return PhasePending
	}
	return st
}

// SetStatus records a phase status, allocating the map if needed.
func (s *State) SetStatus(phase Phase, status PhaseStatus) {
	if s.Phases == nil {
		s.Phases = make(map[Phase]PhaseStatus)
	}
	s.Phases[phase] = status
}

// Validate rejects unknown phase or status names.
func (s *State) Validate() error {
	if s.Phase != "" && !IsValidPhase(string(s.Phase)) {
		return fmt.Errorf("state.yaml: unknown phase %q", s.Phase)
	}
	for phase, status := range s.Phases {
		if !IsValidPhase(string(phase)) {
			return fmt.Errorf("state.yaml: unknown phase %q", phase)
		}
		if status != "" && !IsValidPhaseStatus(string(status)) {
			return fmt.Errorf("state.yaml: phase %s has unknown status %q", phase, status)
		}
	}
	if s.ReviewRound < 0 {
		return fmt.Errorf("state.yaml: review_round must not be negative")
	}
	return nil
}

// StatePath returns the state.yaml path inside a work-item bundle.
func StatePath(bundleDir string) string {
	return filepath.Join(bundleDir, constants.FileState)
}

// LoadState reads and validates state.yaml from a bundle directory. A
// missing file yields a fresh pending state.
func LoadState(bundleDir string) (*State, error) {
	data, err := os.ReadFile(StatePath(bundleDir))
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("reading state.yaml: %w", err)
	}
	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing state.yaml: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveState writes state.yaml atomically, creating the bundle dir if needed.
func SaveState(bundleDir string, s *State) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return fmt.Errorf("creating bundle dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding state.yaml: %w", err)
	}
	return util.WriteFileAtomic(StatePath(bundleDir), data, 0o644)
}
