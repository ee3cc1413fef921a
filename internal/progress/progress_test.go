package progress

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/onboard-sync/internal/stepcontract"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTracker(t *testing.T) *Tracker {
	t.Helper()

	return NewTracker(stepcontract.DefaultContract(), testLogger(t))
}

func villaInfo() stepcontract.Payload {
	return stepcontract.Payload{
		"villaName":    "Villa Serenity",
		"villaAddress": "Jl. Pantai 1",
		"villaCity":    "Canggu",
		"villaCountry": "Indonesia",
		"bedrooms":     4.0,
		"bathrooms":    3.0,
		"maxGuests":    8.0,
		"propertyType": "villa",
	}
}

func stepStatus(t *testing.T, tr *Tracker, step int) Status {
	t.Helper()

	e, err := tr.Step(step)
	require.NoError(t, err)

	return e.Status
}

func TestNewTracker_InitialStates(t *testing.T) {
	tr := newTracker(t)

	assert.Equal(t, StatusNotStarted, stepStatus(t, tr, stepcontract.StepVillaInformation))
	assert.Equal(t, StatusBlocked, stepStatus(t, tr, stepcontract.StepPhotos))
	assert.Equal(t, StatusBlocked, stepStatus(t, tr, stepcontract.StepReview))

	e, err := tr.Step(stepcontract.StepReview)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, e.BlockedBy)
}

func TestRecordChanges_FirstEditStartsStep(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(1, stepcontract.Payload{"villaName": "Test"}))
	assert.Equal(t, StatusInProgress, stepStatus(t, tr, 1))

	snap := tr.Snapshot()

	var name FieldEntry
	for _, f := range snap.Fields {
		if f.Step == 1 && f.Field == "villaName" {
			name = f
		}
	}

	assert.Equal(t, StatusInProgress, name.Status)
	assert.Equal(t, "Test", name.Value)
	assert.True(t, name.IsRequired)
	assert.False(t, name.LastModifiedAt.IsZero())
}

func TestRecordChanges_InvalidFieldIsError(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(1, stepcontract.Payload{"bedrooms": 500.0}))

	for _, f := range tr.Snapshot().Fields {
		if f.Step == 1 && f.Field == "bedrooms" {
			assert.Equal(t, StatusError, f.Status)
		}
	}
}

func TestCompleteStep_RequiresValidPayload(t *testing.T) {
	tr := newTracker(t)

	partial := villaInfo()
	delete(partial, "maxGuests")
	require.NoError(t, tr.RecordChanges(1, partial))

	_, err := tr.CompleteStep(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, stepcontract.ErrValidation)
	assert.Equal(t, StatusInProgress, stepStatus(t, tr, 1))

	require.NoError(t, tr.RecordChanges(1, stepcontract.Payload{"maxGuests": 8.0}))

	payload, err := tr.CompleteStep(1)
	require.NoError(t, err)
	assert.Equal(t, "Villa Serenity", payload["villaName"])
	assert.Equal(t, StatusCompleted, stepStatus(t, tr, 1))

	// Every required field of a completed step is completed or skipped.
	for _, f := range tr.Snapshot().Fields {
		if f.Step == 1 && f.IsRequired {
			assert.Contains(t, []Status{StatusCompleted, StatusSkipped}, f.Status, f.Field)
		}
	}
}

func TestCompleteStep_SkippedRequiredFieldAllowed(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(stepcontract.StepOTAListings, stepcontract.Payload{"airbnbListed": true}))

	_, err := tr.CompleteStep(stepcontract.StepOTAListings)
	require.Error(t, err)

	require.NoError(t, tr.SkipField(stepcontract.StepOTAListings, "primaryChannel"))

	_, err = tr.CompleteStep(stepcontract.StepOTAListings)
	require.NoError(t, err)

	require.Error(t, tr.SkipField(stepcontract.StepOTAListings, "nope"))
}

func TestCompleteStep_BreakingEditReopens(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(1, villaInfo()))
	_, err := tr.CompleteStep(1)
	require.NoError(t, err)

	require.NoError(t, tr.RecordChanges(1, stepcontract.Payload{"villaName": ""}))
	assert.Equal(t, StatusInProgress, stepStatus(t, tr, 1))

	e, err := tr.Step(1)
	require.NoError(t, err)
	assert.False(t, e.IsValid)
}

func TestDependencies_BlockAndUnblock(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(stepcontract.StepPhotos, stepcontract.Payload{"photoCount": 12.0}))
	assert.Equal(t, StatusBlocked, stepStatus(t, tr, stepcontract.StepPhotos), "editing does not unblock")

	_, err := tr.CompleteStep(stepcontract.StepPhotos)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepBlocked)

	var be *BlockedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, []int{1}, be.Unmet)

	require.NoError(t, tr.SkipStep(1))
	assert.Equal(t, StatusInProgress, stepStatus(t, tr, stepcontract.StepPhotos))

	require.NoError(t, tr.UnskipStep(1))
	assert.Equal(t, StatusNotStarted, stepStatus(t, tr, 1))
	assert.Equal(t, StatusBlocked, stepStatus(t, tr, stepcontract.StepPhotos))
}

func TestSkipStep_TerminalUntilUnskipped(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.SkipStep(7))
	require.NoError(t, tr.RecordChanges(7, stepcontract.Payload{"staffCount": 3.0}))
	assert.Equal(t, StatusSkipped, stepStatus(t, tr, 7))

	require.NoError(t, tr.UnskipStep(7))
	assert.Equal(t, StatusInProgress, stepStatus(t, tr, 7))

	require.Error(t, tr.UnskipStep(7), "only skipped steps can be unskipped")
}

func TestSaveFailureAndRecovery(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(1, villaInfo()))
	_, err := tr.CompleteStep(1)
	require.NoError(t, err)

	require.NoError(t, tr.MarkSaveFailed(1, errors.New("HTTP 503")))

	e, err := tr.Step(1)
	require.NoError(t, err)
	assert.Equal(t, StatusError, e.Status)
	assert.Equal(t, "HTTP 503", e.LastError)

	require.NoError(t, tr.MarkSaved(1))

	e, err = tr.Step(1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Empty(t, e.LastError)
}

func TestReconcile_ReportsWithoutFixing(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(1, villaInfo()))
	_, err := tr.CompleteStep(1)
	require.NoError(t, err)

	mismatches := tr.Reconcile(map[int]bool{1: false, 2: true, 99: true})
	require.Len(t, mismatches, 2)

	assert.Equal(t, Mismatch{Step: 1, LocalStatus: StatusCompleted, Local: true, Server: false}, mismatches[0])
	assert.Equal(t, Mismatch{Step: 2, LocalStatus: StatusNotStarted, Local: false, Server: true}, mismatches[1])
	assert.Contains(t, mismatches[0].String(), "step 1")

	assert.Equal(t, StatusCompleted, stepStatus(t, tr, 1), "local state untouched")
	assert.Equal(t, StatusNotStarted, stepStatus(t, tr, 2))

	assert.Empty(t, tr.Reconcile(map[int]bool{1: true}))
}

func TestHydrate(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.Hydrate(1, villaInfo(), true))
	assert.Equal(t, StatusCompleted, stepStatus(t, tr, 1))
	assert.Equal(t, StatusNotStarted, stepStatus(t, tr, stepcontract.StepPhotos), "dependency now met")
	assert.Equal(t, StatusBlocked, stepStatus(t, tr, stepcontract.StepReview))

	vals, err := tr.Values(1)
	require.NoError(t, err)
	assert.Equal(t, "Canggu", vals["villaCity"])

	require.NoError(t, tr.Hydrate(2, stepcontract.Payload{"firstName": "Made"}, false))
	assert.Equal(t, StatusInProgress, stepStatus(t, tr, 2))

	require.NoError(t, tr.Hydrate(3, nil, false))
	assert.Equal(t, StatusNotStarted, stepStatus(t, tr, 3))
}

func TestHydrate_ServerCompletedNeedsValidValues(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.Hydrate(1, stepcontract.Payload{"villaName": "Only a name"}, true))

	e, err := tr.Step(1)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, e.Status)
	assert.False(t, e.IsValid)
	assert.Equal(t, StatusBlocked, stepStatus(t, tr, stepcontract.StepPhotos), "dependency still unmet")

	snap := tr.Snapshot()
	assert.Equal(t, 0, snap.Completed)

	mismatches := tr.Reconcile(map[int]bool{1: true})
	require.Len(t, mismatches, 1)
	assert.Equal(t, Mismatch{Step: 1, LocalStatus: StatusInProgress, Local: false, Server: true}, mismatches[0])

	require.NoError(t, tr.Hydrate(1, villaInfo(), true))
	assert.Equal(t, StatusCompleted, stepStatus(t, tr, 1))
	assert.Equal(t, 1, tr.Snapshot().Completed)
}

func TestSnapshot_Percent(t *testing.T) {
	tr := newTracker(t)

	require.NoError(t, tr.RecordChanges(1, villaInfo()))
	_, err := tr.CompleteStep(1)
	require.NoError(t, err)
	require.NoError(t, tr.SkipStep(7))

	snap := tr.Snapshot()
	assert.Equal(t, 10, snap.Total)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1, snap.Skipped)
	assert.InDelta(t, 20.0, snap.Percent, 0.001)
	assert.Len(t, snap.Steps, 10)
}

func TestUnknownStep(t *testing.T) {
	tr := newTracker(t)

	err := tr.RecordChanges(42, stepcontract.Payload{})
	assert.ErrorIs(t, err, stepcontract.ErrUnsupportedStep)

	_, err = tr.CompleteStep(42)
	assert.ErrorIs(t, err, stepcontract.ErrUnsupportedStep)
}
