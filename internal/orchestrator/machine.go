// Package orchestrator is the iteration state machine. It consumes one
// StageResult per finished unit of work and answers with the Commands the
// driver must carry out. It performs no I/O, so the transition table can be
// tested without a workflow engine.
package orchestrator

import (
	"errors"
	"fmt"
	"math"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// ErrUnexpectedResult is returned for results the machine did not ask for.
var ErrUnexpectedResult = errors.New("unexpected stage result")

// CommandKind names the action a Command asks for.
type CommandKind int

const (
	CmdSetStatus CommandKind = iota + 1
	CmdGenerateDataset
	CmdExecute
	CmdFailRun
	CmdSafetyScan
	CmdJudge
	CmdAggregate
	CmdRefine
	CmdFinish
)

var commandNames = map[CommandKind]string{
	CmdSetStatus:       "set_status",
	CmdGenerateDataset: "generate_dataset",
	CmdExecute:         "execute",
	CmdFailRun:         "fail_run",
	CmdSafetyScan:      "safety_scan",
	CmdJudge:           "judge",
	CmdAggregate:       "aggregate",
	CmdRefine:          "refine",
	CmdFinish:          "finish",
}

func (k CommandKind) String() string {
	if s, ok := commandNames[k]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// StopReason explains why an iteration finished.
type StopReason string

const (
	StopNone          StopReason = ""
	StopBudget        StopReason = "budget"
	StopMaxIterations StopReason = "max_iterations"
	StopConverged     StopReason = "converged"
	StopSuggested     StopReason = "suggested"
	StopFailed        StopReason = "failed"
)

// Command is one instruction for the driver. Only the fields relevant to
// Kind are set.
type Command struct {
	Kind      CommandKind
	RunID     string
	Status    domain.IterationStatus
	LastStage domain.Stage
	Error     string
	Reason    StopReason
}

// StageResult reports a finished unit of work. Err is set when the stage
// activity itself failed; a model run that ended FAILED is not an error.
type StageResult struct {
	Stage     domain.Stage
	RunID     string
	RunStatus domain.RunStatus
	Aggregate *domain.AggregateOutput
	Err       string
	// TimedOut marks an Execute that hit its wall-clock ceiling. The run is
	// failed and the iteration carries on with its siblings.
	TimedOut bool
}

// Plan is what the machine needs to know up front.
type Plan struct {
	RunIDs        []string
	StopRules     domain.StopRules
	GenerateCases int
}

// Machine tracks one iteration. It is not safe for concurrent use.
type Machine struct {
	plan      Plan
	status    domain.IterationStatus
	lastStage domain.Stage
	started   bool

	runs        map[string]domain.RunStatus
	pendingRuns int
	safetyDone  bool
	judgeDone   bool
	reason      StopReason
}

// New creates a machine for plan.
func New(plan Plan) *Machine {
	return &Machine{plan: plan, runs: make(map[string]domain.RunStatus, len(plan.RunIDs))}
}

// Status is the iteration status the machine last commanded.
func (m *Machine) Status() domain.IterationStatus { return m.status }

// LastStage is the most recent stage that completed successfully.
func (m *Machine) LastStage() domain.Stage { return m.lastStage }

// Reason is why the iteration finished, or StopNone while it is running.
func (m *Machine) Reason() StopReason { return m.reason }

// Done reports whether the machine has issued CmdFinish.
func (m *Machine) Done() bool { return m.status.IsTerminal() }

// Start returns the opening commands: dataset generation when requested,
// otherwise one Execute per run.
func (m *Machine) Start() []Command {
	if m.started {
		return nil
	}
	m.started = true
	if len(m.plan.RunIDs) == 0 {
		return m.fail("iteration has no model runs")
	}
	if m.plan.GenerateCases > 0 {
		return []Command{m.setStatus(domain.StatusGeneratingData, ""), {Kind: CmdGenerateDataset}}
	}
	return m.execute("")
}

// Handle applies one result. Results arriving after the iteration finished
// are dropped without commands.
func (m *Machine) Handle(r StageResult) ([]Command, error) {
	if !m.started {
		return nil, fmt.Errorf("%w: machine not started", ErrUnexpectedResult)
	}
	if m.Done() {
		return nil, nil
	}

	switch r.Stage {
	case domain.StageGenerateDataset:
		if m.status != domain.StatusGeneratingData {
			return nil, m.unexpected(r)
		}
		if r.Err != "" {
			return m.fail(stageError(r)), nil
		}
		m.lastStage = r.Stage
		return m.execute(r.Stage), nil

	case domain.StageExecute:
		return m.handleRun(r)

	case domain.StageSafety:
		if m.safetyDone || !m.scanning() {
			return nil, m.unexpected(r)
		}
		if r.Err != "" {
			return m.fail(stageError(r)), nil
		}
		m.safetyDone = true
		m.lastStage = r.Stage
		return m.afterScan(r.Stage), nil

	case domain.StageJudge:
		if m.judgeDone || !m.scanning() {
			return nil, m.unexpected(r)
		}
		if r.Err != "" {
			return m.fail(stageError(r)), nil
		}
		m.judgeDone = true
		m.lastStage = r.Stage
		return m.afterScan(r.Stage), nil

	case domain.StageAggregate:
		if m.status != domain.StatusAggregating {
			return nil, m.unexpected(r)
		}
		if r.Err != "" {
			return m.fail(stageError(r)), nil
		}
		if r.Aggregate == nil {
			return nil, fmt.Errorf("%w: aggregate result without output", ErrUnexpectedResult)
		}
		m.lastStage = r.Stage
		if reason := ShouldStop(m.plan.StopRules, *r.Aggregate); reason != StopNone {
			return m.finish(domain.StatusDone, r.Stage, reason), nil
		}
		return []Command{m.setStatus(domain.StatusRefining, r.Stage), {Kind: CmdRefine}}, nil

	case domain.StageRefine:
		if m.status != domain.StatusRefining {
			return nil, m.unexpected(r)
		}
		if r.Err != "" {
			return m.fail(stageError(r)), nil
		}
		m.lastStage = r.Stage
		return m.finish(domain.StatusDone, r.Stage, StopSuggested), nil
	}
	return nil, m.unexpected(r)
}

func (m *Machine) handleRun(r StageResult) ([]Command, error) {
	status, known := m.runs[r.RunID]
	if m.status != domain.StatusExecuting || !known {
		return nil, m.unexpected(r)
	}
	if status.IsTerminal() {
		return nil, fmt.Errorf("%w: run %s already reported", ErrUnexpectedResult, r.RunID)
	}

	var cmds []Command
	switch {
	case r.TimedOut:
		reason := r.Err
		if reason == "" {
			reason = "run timed out"
		}
		cmds = append(cmds, Command{Kind: CmdFailRun, RunID: r.RunID, Error: reason})
		m.runs[r.RunID] = domain.RunFailed
	case r.Err != "":
		return m.fail(stageError(r)), nil
	case r.RunStatus == domain.RunCompleted, r.RunStatus == domain.RunFailed:
		m.runs[r.RunID] = r.RunStatus
	default:
		return nil, fmt.Errorf("%w: run %s reported status %q", ErrUnexpectedResult, r.RunID, r.RunStatus)
	}

	m.pendingRuns--
	if m.pendingRuns > 0 {
		return cmds, nil
	}
	if !m.anyCompleted() {
		return append(cmds, m.fail("all model runs failed")...), nil
	}
	m.lastStage = domain.StageExecute
	return append(cmds,
		m.setStatus(domain.StatusSafetyScanning, domain.StageExecute),
		Command{Kind: CmdSafetyScan},
		Command{Kind: CmdJudge},
	), nil
}

func (m *Machine) execute(last domain.Stage) []Command {
	cmds := []Command{m.setStatus(domain.StatusExecuting, last)}
	for _, id := range m.plan.RunIDs {
		if _, dup := m.runs[id]; dup {
			continue
		}
		m.runs[id] = domain.RunRunning
		m.pendingRuns++
		cmds = append(cmds, Command{Kind: CmdExecute, RunID: id})
	}
	return cmds
}

// afterScan moves to JUDGING once safety is done, and to AGGREGATING once
// both scans are.
func (m *Machine) afterScan(last domain.Stage) []Command {
	switch {
	case m.safetyDone && m.judgeDone:
		return []Command{m.setStatus(domain.StatusAggregating, last), {Kind: CmdAggregate}}
	case m.safetyDone && m.status == domain.StatusSafetyScanning:
		return []Command{m.setStatus(domain.StatusJudging, last)}
	}
	return nil
}

func (m *Machine) scanning() bool {
	return m.status == domain.StatusSafetyScanning || m.status == domain.StatusJudging
}

func (m *Machine) anyCompleted() bool {
	for _, s := range m.runs {
		if s == domain.RunCompleted {
			return true
		}
	}
	return false
}

func (m *Machine) setStatus(s domain.IterationStatus, last domain.Stage) Command {
	m.status = s
	return Command{Kind: CmdSetStatus, Status: s, LastStage: last}
}

func (m *Machine) finish(s domain.IterationStatus, last domain.Stage, reason StopReason) []Command {
	m.reason = reason
	return []Command{m.setStatus(s, last), {Kind: CmdFinish, Reason: reason}}
}

// fail keeps the last successful stage; the status command carries no stage.
func (m *Machine) fail(msg string) []Command {
	m.reason = StopFailed
	m.status = domain.StatusFailed
	return []Command{
		{Kind: CmdSetStatus, Status: domain.StatusFailed, Error: msg},
		{Kind: CmdFinish, Reason: StopFailed, Error: msg},
	}
}

func (m *Machine) unexpected(r StageResult) error {
	return fmt.Errorf("%w: %s result while %s", ErrUnexpectedResult, r.Stage, m.status)
}

func stageError(r StageResult) string {
	if r.RunID != "" {
		return fmt.Sprintf("%s (run %s): %s", r.Stage, r.RunID, r.Err)
	}
	return fmt.Sprintf("%s: %s", r.Stage, r.Err)
}

// ShouldStop evaluates the stop rules in order: budget, iteration count,
// convergence.
func ShouldStop(rules domain.StopRules, agg domain.AggregateOutput) StopReason {
	if rules.MaxBudget > 0 && agg.SpendMilliCents >= rules.MaxBudget.MilliCents() {
		return StopBudget
	}
	if rules.MaxIterations > 0 && agg.IterationCount >= rules.MaxIterations {
		return StopMaxIterations
	}
	if Converged(agg.ScoreHistory, rules.ConvergenceWindow, rules.MinDelta) {
		return StopConverged
	}
	return StopNone
}

// Converged reports whether the latest composite moved less than minDelta
// from the one window iterations earlier. A zero window disables the rule.
func Converged(history []float64, window int, minDelta float64) bool {
	n := len(history)
	if window <= 0 || n <= window {
		return false
	}
	return math.Abs(history[n-1]-history[n-1-window]) < minDelta
}
