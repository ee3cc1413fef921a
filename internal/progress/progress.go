// Package progress tracks per-step and per-field completion for one
// onboarding resource.
//
// Step lifecycle:
//
//	not-started ──edit──▶ in-progress ──CompleteStep (valid)──▶ completed
//	     │                    │
//	     └──────SkipStep──────┴──▶ skipped ──UnskipStep──▶ in-progress / not-started
//
// A step whose declared dependencies are neither completed nor skipped is
// blocked. A save that exhausts its retries moves the step to error until
// the next successful save or edit.
//
// Disagreement with the server's completion flags is reported by Reconcile
// and never corrected automatically.
package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
)

// Status is the state of a step or a field.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusBlocked    Status = "blocked"
	StatusError      Status = "error"
)

// ErrStepBlocked is matched by BlockedError.
var ErrStepBlocked = errors.New("progress: step blocked")

// BlockedError reports a completion attempt on a step with unmet
// dependencies.
type BlockedError struct {
	Step  int
	Unmet []int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("progress: step %d blocked by unfinished steps %v", e.Step, e.Unmet)
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrStepBlocked
}

// FieldEntry is the progress of one field of one step.
type FieldEntry struct {
	Step           int       `json:"step"`
	Field          string    `json:"field"`
	Status         Status    `json:"status"`
	Value          any       `json:"value,omitempty"`
	IsRequired     bool      `json:"is_required"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

// StepEntry is the progress of one step.
type StepEntry struct {
	Step          int       `json:"step"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	IsValid       bool      `json:"is_valid"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	BlockedBy     []int     `json:"blocked_by,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
}

// Mismatch is an observation that local and server completion disagree.
type Mismatch struct {
	Step        int    `json:"step"`
	LocalStatus Status `json:"local_status"`
	Local       bool   `json:"local_completed"`
	Server      bool   `json:"server_completed"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("step %d: local completed=%t (%s), server completed=%t",
		m.Step, m.Local, m.LocalStatus, m.Server)
}

// Snapshot is a point-in-time copy of all progress.
type Snapshot struct {
	Steps     []StepEntry  `json:"steps"`
	Fields    []FieldEntry `json:"fields"`
	Completed int          `json:"completed"`
	Skipped   int          `json:"skipped"`
	Total     int          `json:"total"`
	Percent   float64      `json:"percent"`
}

type stepState struct {
	entry      StepEntry
	values     stepcontract.Payload
	fields     map[string]*FieldEntry
	beforeFail Status // status to restore after a successful save
}

// Tracker holds progress for one resource. It is safe for concurrent use.
type Tracker struct {
	contract *stepcontract.Contract
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu    sync.Mutex
	steps map[int]*stepState
}

// NewTracker creates a Tracker with every contract step not started.
func NewTracker(contract *stepcontract.Contract, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		contract: contract,
		logger:   logger,
		nowFunc:  time.Now,
		steps:    make(map[int]*stepState),
	}

	for _, n := range contract.Steps() {
		schema, _ := contract.Schema(n)

		st := &stepState{
			entry:  StepEntry{Step: n, Name: schema.Name, Status: StatusNotStarted},
			values: make(stepcontract.Payload),
			fields: make(map[string]*FieldEntry),
		}

		for _, f := range schema.Fields {
			st.fields[f.Name] = &FieldEntry{Step: n, Field: f.Name, Status: StatusNotStarted, IsRequired: f.Required}
		}

		t.steps[n] = st
	}

	t.refreshBlocked()

	return t
}

func (t *Tracker) state(step int) (*stepState, error) {
	st, ok := t.steps[step]
	if !ok {
		return nil, &stepcontract.UnsupportedStepError{Step: step}
	}

	return st, nil
}

// RecordChanges applies canonical field edits to a step. The first edit of
// a not-started step moves it to in-progress; an edit that breaks a
// completed step's validity moves it back to in-progress.
func (t *Tracker) RecordChanges(step int, changes stepcontract.Payload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	now := t.nowFunc().UTC()

	for name, v := range changes {
		st.values[name] = v

		fe, known := st.fields[name]
		if !known {
			continue
		}

		fe.Value = v
		fe.LastModifiedAt = now

		if fe.Status == StatusSkipped && isEmpty(v) {
			continue
		}

		fe.Status = StatusInProgress
	}

	t.refreshFields(st)

	switch st.entry.Status {
	case StatusNotStarted, StatusError:
		st.entry.Status = StatusInProgress
	case StatusCompleted:
		if !t.completeOK(step, st) {
			st.entry.Status = StatusInProgress
			st.entry.IsValid = false
		}
	case StatusInProgress, StatusSkipped, StatusBlocked:
	}

	st.entry.LastError = ""
	st.entry.LastUpdatedAt = now

	t.refreshBlocked()

	return nil
}

// SkipField marks a field as deliberately left empty. Skipped required
// fields do not prevent completion.
func (t *Tracker) SkipField(step int, field string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	fe, ok := st.fields[field]
	if !ok {
		return fmt.Errorf("progress: step %d has no field %q", step, field)
	}

	fe.Status = StatusSkipped
	fe.LastModifiedAt = t.nowFunc().UTC()

	return nil
}

// SkipStep marks a step skipped. Skipped is terminal until UnskipStep.
func (t *Tracker) SkipStep(step int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	st.entry.Status = StatusSkipped
	st.entry.BlockedBy = nil
	st.entry.LastUpdatedAt = t.nowFunc().UTC()

	t.refreshBlocked()

	return nil
}

// UnskipStep reopens a skipped step.
func (t *Tracker) UnskipStep(step int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	if st.entry.Status != StatusSkipped {
		return fmt.Errorf("progress: step %d is %s, not skipped", step, st.entry.Status)
	}

	st.entry.Status = openStatus(st)
	st.entry.LastUpdatedAt = t.nowFunc().UTC()

	t.refreshBlocked()

	return nil
}

// CompleteStep validates the step's accumulated values with every required
// field enforced and, on success, marks it completed. It returns the
// canonical payload to save. Validation failures are ValidationErrors; a
// step with unmet dependencies returns a *BlockedError.
func (t *Tracker) CompleteStep(step int) (stepcontract.Payload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return nil, err
	}

	if unmet := t.unmet(step); len(unmet) > 0 {
		return nil, &BlockedError{Step: step, Unmet: unmet}
	}

	payload, verrs := t.validateComplete(step, st)
	if verrs != nil {
		st.entry.IsValid = false
		return nil, verrs
	}

	st.entry.Status = StatusCompleted
	st.entry.IsValid = true
	st.entry.LastUpdatedAt = t.nowFunc().UTC()

	for _, fe := range st.fields {
		if fe.Status != StatusSkipped && !isEmpty(fe.Value) {
			fe.Status = StatusCompleted
		}
	}

	t.refreshBlocked()

	return payload, nil
}

// MarkSaveFailed records that a save exhausted its retries.
func (t *Tracker) MarkSaveFailed(step int, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	if st.entry.Status != StatusError {
		st.beforeFail = st.entry.Status
	}

	st.entry.Status = StatusError
	st.entry.LastUpdatedAt = t.nowFunc().UTC()

	if cause != nil {
		st.entry.LastError = cause.Error()
	}

	return nil
}

// MarkSaved clears a previous save failure.
func (t *Tracker) MarkSaved(step int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	if st.entry.Status == StatusError {
		st.entry.Status = st.beforeFail
		if st.entry.Status == "" {
			st.entry.Status = openStatus(st)
		}

		st.entry.LastError = ""
		t.refreshBlocked()
	}

	return nil
}

// Hydrate replaces a step's values with server state, e.g. after a load or
// a conflict refetch. completed is the server's flag for the step; it is
// only honoured when the values pass completion validation.
func (t *Tracker) Hydrate(step int, values stepcontract.Payload, completed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return err
	}

	now := t.nowFunc().UTC()

	st.values = values.Clone()
	if st.values == nil {
		st.values = make(stepcontract.Payload)
	}

	for name, fe := range st.fields {
		v, ok := st.values[name]
		fe.Value = v

		if ok && !isEmpty(v) {
			fe.Status = StatusInProgress
			fe.LastModifiedAt = now
		} else if fe.Status != StatusSkipped {
			fe.Status = StatusNotStarted
		}
	}

	t.refreshFields(st)

	if st.entry.Status != StatusSkipped {
		switch {
		case completed && t.completeOK(step, st):
			st.entry.Status = StatusCompleted
			st.entry.IsValid = true

			for _, fe := range st.fields {
				if fe.Status == StatusInProgress {
					fe.Status = StatusCompleted
				}
			}
		case completed:
			t.logger.Warn("server marks incomplete step as completed", slog.Int("step", step))
			st.entry.Status = openStatus(st)
			st.entry.IsValid = false
		default:
			st.entry.Status = openStatus(st)
		}
	}

	st.entry.LastUpdatedAt = now
	t.refreshBlocked()

	return nil
}

// Values returns a copy of the step's current canonical values.
func (t *Tracker) Values(step int) (stepcontract.Payload, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return nil, err
	}

	return st.values.Clone(), nil
}

// Step returns a copy of one step's entry.
func (t *Tracker) Step(step int) (StepEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, err := t.state(step)
	if err != nil {
		return StepEntry{}, err
	}

	return copyEntry(st.entry), nil
}

// Reconcile compares local completion with the server's per-step flags.
// Disagreements are logged and returned; neither side is modified. Steps
// missing from serverFlags count as not completed on the server.
func (t *Tracker) Reconcile(serverFlags map[int]bool) []Mismatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Mismatch

	for _, n := range t.contract.Steps() {
		st := t.steps[n]
		local := st.entry.Status == StatusCompleted
		server := serverFlags[n]

		if local == server {
			continue
		}

		m := Mismatch{Step: n, LocalStatus: st.entry.Status, Local: local, Server: server}
		out = append(out, m)

		t.logger.Warn("progress mismatch with server",
			slog.Int("step", n),
			slog.String("local_status", string(st.entry.Status)),
			slog.Bool("server_completed", server),
		)
	}

	for n := range serverFlags {
		if _, ok := t.steps[n]; !ok {
			t.logger.Warn("server reports unknown step", slog.Int("step", n))
		}
	}

	return out
}

// Snapshot returns a copy of all progress, steps in order and fields sorted
// by step then name.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{Total: len(t.steps)}

	for _, n := range t.contract.Steps() {
		st := t.steps[n]
		snap.Steps = append(snap.Steps, copyEntry(st.entry))

		switch st.entry.Status {
		case StatusCompleted:
			snap.Completed++
		case StatusSkipped:
			snap.Skipped++
		case StatusNotStarted, StatusInProgress, StatusBlocked, StatusError:
		}

		names := make([]string, 0, len(st.fields))
		for name := range st.fields {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			snap.Fields = append(snap.Fields, *st.fields[name])
		}
	}

	if snap.Total > 0 {
		snap.Percent = float64(snap.Completed+snap.Skipped) * 100 / float64(snap.Total)
	}

	return snap
}

// validateComplete runs complete validation, forgiving required fields the
// user explicitly skipped.
func (t *Tracker) validateComplete(step int, st *stepState) (stepcontract.Payload, error) {
	payload, err := t.contract.Validate(step, st.values, true)
	if err == nil {
		return payload, nil
	}

	var verrs stepcontract.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, err
	}

	var remaining stepcontract.ValidationErrors

	for _, fe := range verrs {
		if fe.Code == stepcontract.CodeRequired && st.fields[fe.Field] != nil &&
			st.fields[fe.Field].Status == StatusSkipped {
			continue
		}

		remaining = append(remaining, fe)
	}

	if len(remaining) > 0 {
		return nil, remaining
	}

	return st.values.Clone(), nil
}

func (t *Tracker) completeOK(step int, st *stepState) bool {
	_, err := t.validateComplete(step, st)
	return err == nil
}

// refreshFields marks present fields that fail their predicate as error.
func (t *Tracker) refreshFields(st *stepState) {
	_, err := t.contract.Validate(st.entry.Step, st.values, true)

	var verrs stepcontract.ValidationErrors
	if !errors.As(err, &verrs) {
		verrs = nil
	}

	bad := verrs.ByField()

	for name, fe := range st.fields {
		if fe.Status == StatusSkipped {
			continue
		}

		switch {
		case isEmpty(fe.Value):
			fe.Status = StatusNotStarted
		case len(bad[name]) > 0 && bad[name][0].Code != stepcontract.CodeRequired:
			fe.Status = StatusError
		case fe.Status == StatusError || fe.Status == StatusNotStarted:
			fe.Status = StatusInProgress
		}
	}
}

// unmet lists dependencies of step that are neither completed nor skipped.
func (t *Tracker) unmet(step int) []int {
	schema, err := t.contract.Schema(step)
	if err != nil {
		return nil
	}

	var out []int

	for _, dep := range schema.DependsOn {
		s := t.steps[dep].entry.Status
		if s != StatusCompleted && s != StatusSkipped {
			out = append(out, dep)
		}
	}

	return out
}

// refreshBlocked recomputes blocked state for every step with dependencies.
func (t *Tracker) refreshBlocked() {
	for _, n := range t.contract.Steps() {
		st := t.steps[n]
		unmet := t.unmet(n)

		switch st.entry.Status {
		case StatusNotStarted, StatusInProgress, StatusBlocked:
			if len(unmet) > 0 {
				if st.entry.Status != StatusBlocked {
					t.logger.Debug("step blocked",
						slog.Int("step", n),
						slog.String("unmet", intsString(unmet)),
					)
				}

				st.entry.Status = StatusBlocked
				st.entry.BlockedBy = unmet
			} else if st.entry.Status == StatusBlocked {
				st.entry.Status = openStatus(st)
				st.entry.BlockedBy = nil
			}
		case StatusCompleted, StatusSkipped, StatusError:
		}
	}
}

// openStatus is the status of a step that is neither finished nor blocked.
func openStatus(st *stepState) Status {
	for _, v := range st.values {
		if !isEmpty(v) {
			return StatusInProgress
		}
	}

	return StatusNotStarted
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []string:
		return len(x) == 0
	default:
		return false
	}
}

func copyEntry(e StepEntry) StepEntry {
	e.BlockedBy = slices.Clone(e.BlockedBy)
	return e
}

func intsString(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}

	return strings.Join(parts, ",")
}
