package types

import "time"

// Evaluation is the verdict recorded for one test case in one run.
type Evaluation string

// Evaluation values. EvaluationNone means the case has not been evaluated.
const (
	EvaluationNone       Evaluation = ""
	EvaluationNotWorking Evaluation = "NOT_WORKING"
	EvaluationMinorIssue Evaluation = "MINOR_ISSUE"
	EvaluationPassed     Evaluation = "PASSED"
)

// validEvaluations is the set of recognized evaluation values.
var validEvaluations = map[Evaluation]bool{
	EvaluationNotWorking: true,
	EvaluationMinorIssue: true,
	EvaluationPassed:     true,
}

// Valid reports whether e is one of the set evaluation values.
func (e Evaluation) Valid() bool {
	return validEvaluations[e]
}

// IsSet reports whether an evaluation has been recorded.
func (e Evaluation) IsSet() bool {
	return e != EvaluationNone
}

// ParseEvaluation parses a user-supplied evaluation. "FAIL" and "FAILED" are
// accepted as aliases for NOT_WORKING, "MINOR" for MINOR_ISSUE and "PASS" for
// PASSED. The empty string parses to EvaluationNone.
func ParseEvaluation(s string) (Evaluation, error) {
	switch s {
	case "":
		return EvaluationNone, nil
	case "FAIL", "FAILED", "fail", "failed", "not_working":
		return EvaluationNotWorking, nil
	case "MINOR", "minor", "minor_issue":
		return EvaluationMinorIssue, nil
	case "PASS", "pass", "passed":
		return EvaluationPassed, nil
	}
	e := Evaluation(s)
	if !e.Valid() {
		return EvaluationNone, NewValidationError("evaluation", "unknown value "+s)
	}
	return e, nil
}

// Result is the recorded outcome for one test case within one run.
// A stored result always carries an evaluation.
type Result struct {
	TestCaseID string     `json:"test_case_id"`
	Evaluation Evaluation `json:"evaluation"`
	Comment    string     `json:"comment"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// CommentLocked reports whether the comment may not be edited independently.
// A passing case needs no explanatory note.
func (r Result) CommentLocked() bool {
	return r.Evaluation == EvaluationPassed
}

// ResultUpsert is one row of a batched result write.
type ResultUpsert struct {
	TestCaseID string     `json:"test_case_id"`
	Evaluation Evaluation `json:"evaluation"`
	Comment    string     `json:"comment"`
}
