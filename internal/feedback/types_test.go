package feedback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalValidate(t *testing.T) {
	sig := &Signal{Text: "app crashes on login", Source: "reddit", Timestamp: time.Now()}
	require.NoError(t, sig.Validate())

	assert.ErrorIs(t, (&Signal{Source: "reddit"}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&Signal{Text: "   \n\t ", Source: "reddit"}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&Signal{Text: "no source"}).Validate(), ErrValidation)
}

func TestCategoryActionable(t *testing.T) {
	assert.True(t, CategoryBug.Actionable())
	assert.True(t, CategoryFeature.Actionable())
	assert.True(t, CategoryUX.Actionable())
	assert.False(t, CategoryNonActionable.Actionable())
	assert.False(t, Category("").Actionable())
}

func TestPriorityForSeverity(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityForSeverity(SeverityCritical))
	assert.Equal(t, PriorityMedium, PriorityForSeverity(SeverityMajor))
	assert.Equal(t, PriorityLow, PriorityForSeverity(SeverityMinor))
	assert.Equal(t, PriorityMedium, PriorityForSeverity(""))
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskDispatched, true},
		{TaskPending, TaskMerged, false},
		{TaskDispatched, TaskFixReady, true},
		{TaskDispatched, TaskUnderReview, false},
		{TaskFixReady, TaskUnderReview, true},
		{TaskFixReady, TaskMerged, true},
		{TaskFixReady, TaskDispatched, true}, // needs-changes loop
		{TaskUnderReview, TaskMerged, true},
		{TaskUnderReview, TaskRejected, true},
		{TaskUnderReview, TaskDispatched, true},
		{TaskMerged, TaskDispatched, false},
		{TaskRejected, TaskDispatched, false},
		{TaskFailed, TaskPending, false},
	}
	for _, tc := range tests {
		assert.Equalf(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskDispatched.Terminal())
	assert.False(t, TaskFixReady.Terminal())
	assert.False(t, TaskUnderReview.Terminal())
	assert.True(t, TaskMerged.Terminal())
	assert.True(t, TaskRejected.Terminal())
	assert.True(t, TaskFailed.Terminal())
}

func TestTaskProblemText(t *testing.T) {
	task := &Task{
		Kind:    CategoryBug,
		Title:   "Login crash on empty password",
		Summary: "Several users report a crash when submitting an empty password.",
	}
	assert.Equal(t,
		"bug: Login crash on empty password. Several users report a crash when submitting an empty password.",
		task.ProblemText())
}
