package types

import (
	"strings"
	"time"
)

// TestCase is one addressable check belonging to a feature. Archived cases are
// left out of new run target sets but stay readable for historical runs.
type TestCase struct {
	ID             string    `json:"id"`
	FeatureID      string    `json:"feature_id"`
	Name           string    `json:"name"`
	ExpectedResult string    `json:"expected_result"`
	Steps          []string  `json:"steps"`
	IsArchived     bool      `json:"is_archived"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TestCaseSpec is the input for creating a test case.
type TestCaseSpec struct {
	Name           string   `json:"name"`
	ExpectedResult string   `json:"expected_result"`
	Steps          []string `json:"steps"`
}

// TestCasePatch is a partial update. Nil fields are left unchanged.
type TestCasePatch struct {
	Name           *string  `json:"name,omitempty"`
	ExpectedResult *string  `json:"expected_result,omitempty"`
	Steps          []string `json:"steps,omitempty"`
	IsArchived     *bool    `json:"is_archived,omitempty"`
}

// Validate checks that the spec has a name.
func (s TestCaseSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return NewValidationError("name", "must not be empty")
	}
	return nil
}

// Archive marks the case archived. Idempotent.
func (c *TestCase) Archive() {
	if c.IsArchived {
		return
	}
	c.IsArchived = true
	c.UpdatedAt = time.Now()
}

// Unarchive clears the archived flag. Idempotent.
func (c *TestCase) Unarchive() {
	if !c.IsArchived {
		return
	}
	c.IsArchived = false
	c.UpdatedAt = time.Now()
}

// ApplyPatch copies the non-nil fields of p onto the case.
// Returns a ValidationError if the patch would blank the name.
func (c *TestCase) ApplyPatch(p TestCasePatch) error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return NewValidationError("name", "must not be empty")
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.ExpectedResult != nil {
		c.ExpectedResult = *p.ExpectedResult
	}
	if p.Steps != nil {
		c.Steps = SplitSteps(JoinSteps(p.Steps))
	}
	if p.IsArchived != nil {
		c.IsArchived = *p.IsArchived
	}
	c.UpdatedAt = time.Now()
	return nil
}

// JoinSteps encodes steps as newline-joined text for storage.
func JoinSteps(steps []string) string {
	return strings.Join(SplitSteps(strings.Join(steps, "\n")), "\n")
}

// SplitSteps decodes newline-joined text into trimmed, non-empty steps.
// Always returns a non-nil slice.
func SplitSteps(text string) []string {
	steps := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		steps = append(steps, line)
	}
	return steps
}
