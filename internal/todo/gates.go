package todo

import (
	"fmt"
	"os/exec"
	"strings"
)

// gateOutputTail bounds how much command output a failing gate reports.
const gateOutputTail = 2000

// GateResult is the outcome of one build-gate command.
type GateResult struct {
	Command string
	Passed  bool
	Output  string
}

// GateReport is the structured outcome of a build-gate run.
type GateReport struct {
	Results []GateResult
}

// Passed reports whether every gate passed.
func (r GateReport) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Summary renders a one-line pass count plus each failing gate's output.
func (r GateReport) Summary() string {
	passed := 0
	var failures []string
	for _, res := range r.Results {
		if res.Passed {
			passed++
			continue
		}
		f := res.Command
		if out := strings.TrimSpace(res.Output); out != "" {
			f += ": " + out
		}
		failures = append(failures, f)
	}
	s := fmt.Sprintf("%d/%d gates passed", passed, len(r.Results))
	if len(failures) > 0 {
		s += "; failed: " + strings.Join(failures, " | ")
	}
	return s
}

// RunGates runs each gate command through the shell in dir, in order,
// without stopping at the first failure.
func RunGates(dir string, commands []string) GateReport {
	var report GateReport
	for _, command := range commands {
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		text := string(out)
		if len(text) > gateOutputTail {
			text = text[len(text)-gateOutputTail:]
		}
		report.Results = append(report.Results, GateResult{
			Command: command,
			Passed:  err == nil,
			Output:  text,
		})
	}
	return report
}
