package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/tonimelisma/onboard-sync/internal/autosave"
	"github.com/tonimelisma/onboard-sync/internal/progress"
	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
	"github.com/tonimelisma/onboard-sync/internal/transport"
)

// StepState is the server's view of one step.
type StepState struct {
	Step      int                  `json:"step"`
	Fields    stepcontract.Payload `json:"fields"`
	Completed bool                 `json:"completed"`
	Version   int64                `json:"version"`
	// Hydrated is false when local unsent edits kept the server values out
	// of the progress tracker.
	Hydrated bool `json:"hydrated"`
}

type stepDocument struct {
	Fields    map[string]any `json:"fields"`
	Completed bool           `json:"completed"`
	Version   int64          `json:"version"`
}

type progressDocument struct {
	Version int64           `json:"version"`
	Steps   map[string]bool `json:"steps"`
}

// EnqueueStepSave records raw field edits for a step and queues the step's
// accumulated values for auto-save. Field names and values are
// canonicalized first; type errors are returned and nothing is queued.
func (e *Engine) EnqueueStepSave(ctx context.Context, step int, raw map[string]any, priority int) error {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return err
	}

	changes, err := e.contract.Prepare(step, raw, false)
	if err != nil {
		return fmt.Errorf("engine: step %d: %w", step, err)
	}

	t := e.tracker(sess.ResourceID)

	if err := t.RecordChanges(step, changes); err != nil {
		return fmt.Errorf("engine: step %d: %w", step, err)
	}

	return e.enqueueStep(ctx, sess.ResourceID, t, step, priority)
}

// CompleteStep validates a step with every required field enforced and, on
// success, queues it as completed at high priority.
func (e *Engine) CompleteStep(ctx context.Context, step int) error {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return err
	}

	t := e.tracker(sess.ResourceID)

	if _, err := t.CompleteStep(step); err != nil {
		return fmt.Errorf("engine: completing step %d: %w", step, err)
	}

	return e.enqueueStep(ctx, sess.ResourceID, t, step, autosave.PriorityHigh)
}

func (e *Engine) enqueueStep(ctx context.Context, resourceID string, t *progress.Tracker, step, priority int) error {
	values, err := t.Values(step)
	if err != nil {
		return fmt.Errorf("engine: step %d: %w", step, err)
	}

	entry, err := t.Step(step)
	if err != nil {
		return fmt.Errorf("engine: step %d: %w", step, err)
	}

	payload := stepcontract.StepPayload{
		Step:      step,
		Fields:    values,
		Completed: entry.Status == progress.StatusCompleted,
	}

	key := autosave.Key{ResourceID: resourceID, Step: step}

	if err := e.queue.Enqueue(ctx, key, payload, priority); err != nil {
		// Still queued in memory; only the durable copy is missing.
		e.logger.Warn("save queued without durable copy",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// SkipStep marks a step as deliberately skipped.
func (e *Engine) SkipStep(ctx context.Context, step int) error {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return err
	}

	if err := e.tracker(sess.ResourceID).SkipStep(step); err != nil {
		return fmt.Errorf("engine: skipping step %d: %w", step, err)
	}

	return nil
}

// UnskipStep reopens a skipped step.
func (e *Engine) UnskipStep(ctx context.Context, step int) error {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return err
	}

	if err := e.tracker(sess.ResourceID).UnskipStep(step); err != nil {
		return fmt.Errorf("engine: unskipping step %d: %w", step, err)
	}

	return nil
}

// SkipField marks one field as deliberately left empty.
func (e *Engine) SkipField(ctx context.Context, step int, field string) error {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return err
	}

	name, ok := e.contract.CanonicalName(step, field)
	if !ok {
		name = field
	}

	if err := e.tracker(sess.ResourceID).SkipField(step, name); err != nil {
		return fmt.Errorf("engine: skipping field %q: %w", field, err)
	}

	return nil
}

// GetProgressSnapshot returns progress for the current session.
func (e *Engine) GetProgressSnapshot(ctx context.Context) (progress.Snapshot, error) {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return progress.Snapshot{}, err
	}

	return e.tracker(sess.ResourceID).Snapshot(), nil
}

// ForceSaveAll sends every queued save now and waits. The error joins the
// flush outcome with every save dropped while flushing.
func (e *Engine) ForceSaveAll(ctx context.Context) error {
	e.mu.Lock()
	mark := e.failSeq
	e.mu.Unlock()

	flushErr := e.queue.Flush(ctx)

	e.mu.Lock()

	keys := make([]autosave.Key, 0, len(e.failures))
	for k, f := range e.failures {
		if f.seq > mark {
			keys = append(keys, k)
		}
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	errs := []error{flushErr}
	for _, k := range keys {
		errs = append(errs, fmt.Errorf("%s: %w", k, e.failures[k].err))
	}

	e.mu.Unlock()

	return errors.Join(errs...)
}

// LoadStep reads a step from the server through the read cache, records
// the server version and hydrates progress unless local edits for the step
// are still unsent.
func (e *Engine) LoadStep(ctx context.Context, step int) (*StepState, error) {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return nil, err
	}

	id := sess.ResourceID

	doc, err := e.fetchStep(ctx, id, step, e.cacheTTL)
	if err != nil {
		return nil, err
	}

	fields, err := e.contract.Canonicalize(step, doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("engine: step %d: %w", step, err)
	}

	state := &StepState{Step: step, Fields: fields, Completed: doc.Completed, Version: doc.Version}

	// Unapplied reads leave the version token alone.
	if e.hasUnsent(autosave.Key{ResourceID: id, Step: step}) {
		e.logger.Debug("keeping local edits over loaded step", slog.Int("step", step))
		return state, nil
	}

	if doc.Version > 0 {
		e.versions.Observe(ctx, id, doc.Version)
	}

	if err := e.tracker(id).Hydrate(step, fields, doc.Completed); err != nil {
		return nil, fmt.Errorf("engine: step %d: %w", step, err)
	}

	state.Hydrated = true

	return state, nil
}

// RefreshProgress fetches the server's completion flags and reports where
// they disagree with local progress. Local state is never corrected.
func (e *Engine) RefreshProgress(ctx context.Context) ([]progress.Mismatch, error) {
	sess, err := e.requireSession(ctx)
	if err != nil {
		return nil, err
	}

	id := sess.ResourceID
	path := transport.ProgressPath(id)

	body, err := e.cache.Get(ctx, readKey(path), e.cacheTTL, e.fetcher(path))
	if err != nil {
		return nil, fmt.Errorf("engine: reading progress: %w", err)
	}

	var doc progressDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("engine: decoding progress: %w", err)
	}

	flags := make(map[int]bool, len(doc.Steps))

	for k, done := range doc.Steps {
		n, err := strconv.Atoi(k)
		if err != nil {
			e.logger.Warn("ignoring malformed step key in progress", slog.String("key", k))
			continue
		}

		flags[n] = done
	}

	return e.tracker(id).Reconcile(flags), nil
}

func (e *Engine) fetchStep(ctx context.Context, id string, step int, ttl time.Duration) (*stepDocument, error) {
	path := transport.StepPath(id, step)

	body, err := e.cache.Get(ctx, readKey(path), ttl, e.fetcher(path))
	if err != nil {
		return nil, fmt.Errorf("engine: reading step %d: %w", step, err)
	}

	var doc stepDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("engine: decoding step %d: %w", step, err)
	}

	return &doc, nil
}

func (e *Engine) fetcher(path string) func(context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		resp, err := e.sender.Send(ctx, &transport.Request{Method: http.MethodGet, Path: path})
		if err != nil {
			if errors.Is(err, transport.ErrNetworkUnreachable) {
				e.connectivityLost(ctx)
			}

			return nil, err
		}

		return resp.Body, nil
	}
}

func (e *Engine) hasUnsent(key autosave.Key) bool {
	for _, it := range e.queue.Items() {
		if it.Key == key {
			return true
		}
	}

	return false
}

func readKey(path string) string {
	return "GET " + path
}

func resourceReadPrefix(resourceID string) string {
	return readKey(transport.ResourcePath(resourceID)) + "/"
}
