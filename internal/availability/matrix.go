package availability

import (
	"errors"
	"fmt"
	"time"

	"github.com/teleclaude/teleclaude/internal/agent"
)

// ErrUnknownTask means the fallback matrix has no row for the task.
var ErrUnknownTask = errors.New("no fallback candidates for task")

// Candidate pairs an agent kind with the thinking tier it runs at.
type Candidate struct {
	Kind agent.Kind `json:"kind"`
	Tier agent.Tier `json:"tier"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s", c.Kind, c.Tier)
}

// DefaultMatrix returns the static per-task candidate lists, best first.
// Preparation and review want depth; commit and finalize are mechanical
// enough for the fast tiers.
func DefaultMatrix() map[agent.Task][]Candidate {
	return map[agent.Task][]Candidate{
		agent.TaskPrepare: {
			{agent.KindClaude, agent.TierSlow},
			{agent.KindCodex, agent.TierSlow},
			{agent.KindGemini, agent.TierSlow},
		},
		agent.TaskBuild: {
			{agent.KindClaude, agent.TierMedium},
			{agent.KindCodex, agent.TierMedium},
			{agent.KindGemini, agent.TierMedium},
		},
		agent.TaskReview: {
			{agent.KindCodex, agent.TierSlow},
			{agent.KindGemini, agent.TierSlow},
			{agent.KindClaude, agent.TierSlow},
		},
		agent.TaskFix: {
			{agent.KindClaude, agent.TierMedium},
			{agent.KindCodex, agent.TierMedium},
			{agent.KindGemini, agent.TierMedium},
		},
		agent.TaskCommit: {
			{agent.KindClaude, agent.TierFast},
			{agent.KindGemini, agent.TierFast},
			{agent.KindCodex, agent.TierFast},
		},
		agent.TaskFinalize: {
			{agent.KindClaude, agent.TierFast},
			{agent.KindGemini, agent.TierFast},
			{agent.KindCodex, agent.TierFast},
		},
	}
}

// Picker selects candidates for tasks against a live table.
type Picker struct {
	table  *Table
	matrix map[agent.Task][]Candidate
}

// NewPicker builds a picker over the default matrix.
func NewPicker(table *Table) *Picker {
	return &Picker{table: table, matrix: DefaultMatrix()}
}

// Pick returns the first available candidate for the task and a zero wait.
// When every candidate is cooling down it returns the one whose cooldown
// expires soonest and how long until then.
func (p *Picker) Pick(task agent.Task) (Candidate, time.Duration, error) {
	cands, ok := p.matrix[task]
	if !ok || len(cands) == 0 {
		return Candidate{}, 0, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}

	best := -1
	var bestUntil time.Time
	for i, c := range cands {
		rec := p.table.Get(c.Kind)
		if rec.Available {
			return c, 0, nil
		}
		if rec.UnavailableUntil == nil {
			continue
		}
		if best == -1 || rec.UnavailableUntil.Before(bestUntil) {
			best = i
			bestUntil = *rec.UnavailableUntil
		}
	}
	if best == -1 {
		return cands[0], 0, nil
	}
	wait := bestUntil.Sub(p.table.now())
	if wait < 0 {
		wait = 0
	}
	return cands[best], wait, nil
}
