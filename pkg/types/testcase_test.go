package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepsRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		steps []string
		text  string
		want  []string
	}{
		{
			name:  "plain steps",
			steps: []string{"open app", "tap login"},
			text:  "open app\ntap login",
			want:  []string{"open app", "tap login"},
		},
		{
			name:  "blank and padded lines dropped",
			steps: []string{"  open app ", "", "tap login\n\n"},
			text:  "open app\ntap login",
			want:  []string{"open app", "tap login"},
		},
		{
			name: "nil steps",
			text: "",
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.text, JoinSteps(tt.steps))
			assert.Equal(t, tt.want, SplitSteps(JoinSteps(tt.steps)))
		})
	}
}

func TestTestCaseArchive(t *testing.T) {
	c := &TestCase{ID: "c1", UpdatedAt: time.Unix(0, 0)}

	c.Archive()
	assert.True(t, c.IsArchived)
	stamp := c.UpdatedAt
	assert.True(t, stamp.After(time.Unix(0, 0)))

	c.Archive()
	assert.Equal(t, stamp, c.UpdatedAt, "archiving twice is a no-op")

	c.Unarchive()
	assert.False(t, c.IsArchived)
}

func TestTestCaseApplyPatch(t *testing.T) {
	name := "renamed"
	blank := " "
	archived := true
	c := &TestCase{ID: "c1", Name: "orig", ExpectedResult: "ok"}

	assert.NoError(t, c.ApplyPatch(TestCasePatch{Name: &name, Steps: []string{"one", "", "two"}, IsArchived: &archived}))
	assert.Equal(t, "renamed", c.Name)
	assert.Equal(t, "ok", c.ExpectedResult)
	assert.Equal(t, []string{"one", "two"}, c.Steps)
	assert.True(t, c.IsArchived)

	err := c.ApplyPatch(TestCasePatch{Name: &blank})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "renamed", c.Name)
}

func TestTestCaseSpecValidate(t *testing.T) {
	assert.NoError(t, TestCaseSpec{Name: "login"}.Validate())
	assert.ErrorIs(t, TestCaseSpec{Name: "  "}.Validate(), ErrValidation)
}
