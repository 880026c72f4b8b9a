package batch

import (
	"sort"
	"time"

	ledger "solarshare/internal/ledger/domain"
)

// Stage is one step of the monthly pipeline. Stages run in declaration order.
type Stage string

const (
	StageGenerator Stage = "generator"
	StageConsumer  Stage = "consumer"
	StageInvoice   Stage = "invoice"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StageGenerator, StageConsumer, StageInvoice}

// RunStatus is the final state of a run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusPartial   RunStatus = "partial"
	StatusFailed    RunStatus = "failed"
	StatusCanceled  RunStatus = "canceled"
)

// IsFinal reports whether the run stopped.
func (s RunStatus) IsFinal() bool {
	switch s {
	case StatusSucceeded, StatusPartial, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Counts tallies unit outcomes.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

func (c *Counts) add(err error) {
	c.Total++
	switch {
	case err == nil:
		c.Succeeded++
	case Classify(err) == KindCanceled:
		c.Canceled++
	default:
		c.Failed++
	}
}

// Failure is the detail of one failed unit.
type Failure struct {
	Stage   Stage     `json:"stage"`
	Subject string    `json:"subject"`
	Kind    ErrorKind `json:"kind"`
	Error   string    `json:"error"`
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Stage   Stage
	Subject string
	Err     error
	Detail  string
}

// RunReport is the persisted outcome of a run.
type RunReport struct {
	ID         string           `json:"id"`
	Month      ledger.Period    `json:"month"`
	Trigger    string           `json:"trigger"`
	Subjects   []string         `json:"subjects,omitempty"`
	Status     RunStatus        `json:"status"`
	Counts     Counts           `json:"counts"`
	ByStage    map[Stage]Counts `json:"by_stage"`
	Failures   []Failure        `json:"failures"`
	QueuedAt   time.Time        `json:"queued_at"`
	StartedAt  time.Time        `json:"started_at,omitempty"`
	FinishedAt time.Time        `json:"finished_at,omitempty"`
}

// NewRunReport builds a queued report.
func NewRunReport(id string, month ledger.Period, trigger string, subjects []string, now time.Time) *RunReport {
	return &RunReport{
		ID:       id,
		Month:    month,
		Trigger:  trigger,
		Subjects: append([]string(nil), subjects...),
		Status:   StatusQueued,
		ByStage:  make(map[Stage]Counts),
		QueuedAt: now.UTC(),
	}
}

// Record adds a unit outcome to the tallies.
func (r *RunReport) Record(unit UnitResult) {
	r.Counts.add(unit.Err)
	stage := r.ByStage[unit.Stage]
	stage.add(unit.Err)
	r.ByStage[unit.Stage] = stage
	if unit.Err == nil {
		return
	}
	r.Failures = append(r.Failures, Failure{
		Stage:   unit.Stage,
		Subject: unit.Subject,
		Kind:    Classify(unit.Err),
		Error:   unit.Err.Error(),
	})
}

// Finish settles the final status. Any failure makes the run partial unless nothing
// succeeded; a cancel wins over both.
func (r *RunReport) Finish(canceled bool, now time.Time) {
	r.FinishedAt = now.UTC()
	sort.SliceStable(r.Failures, func(i, j int) bool {
		if r.Failures[i].Stage != r.Failures[j].Stage {
			return stageIndex(r.Failures[i].Stage) < stageIndex(r.Failures[j].Stage)
		}
		return r.Failures[i].Subject < r.Failures[j].Subject
	})
	switch {
	case canceled:
		r.Status = StatusCanceled
	case r.Counts.Failed == 0:
		r.Status = StatusSucceeded
	case r.Counts.Succeeded == 0:
		r.Status = StatusFailed
	default:
		r.Status = StatusPartial
	}
}

// Clone returns a detached copy.
func (r *RunReport) Clone() *RunReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Subjects = append([]string(nil), r.Subjects...)
	out.Failures = append([]Failure(nil), r.Failures...)
	out.ByStage = make(map[Stage]Counts, len(r.ByStage))
	for k, v := range r.ByStage {
		out.ByStage[k] = v
	}
	return &out
}

func stageIndex(stage Stage) int {
	for i, s := range Stages {
		if s == stage {
			return i
		}
	}
	return len(Stages)
}
