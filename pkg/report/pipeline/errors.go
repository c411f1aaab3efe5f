package pipeline

import (
	"fmt"

	"github.com/bettafish/bettafish/pkg/report/ir"
)

// StageOutputFormatError reports that an LLM returned the wrong shape for a
// non-chapter pipeline stage. Stage calls retry on this error only.
type StageOutputFormatError struct {
	Stage  string
	Reason string
}

func (e *StageOutputFormatError) Error() string {
	return fmt.Sprintf("stage %s returned malformed output: %s", e.Stage, e.Reason)
}

// ChapterJSONParseError reports that a chapter's streamed output could not
// be parsed into a JSON object.
type ChapterJSONParseError struct {
	ChapterID string
	Err       error
}

func (e *ChapterJSONParseError) Error() string {
	return fmt.Sprintf("chapter %s output is not parseable JSON: %v", e.ChapterID, e.Err)
}

func (e *ChapterJSONParseError) Unwrap() error { return e.Err }

// ChapterValidationError reports structural issues found by the IR
// validator in a parsed chapter.
type ChapterValidationError struct {
	ChapterID string
	Issues    []ir.Issue
}

func (e *ChapterValidationError) Error() string {
	return fmt.Sprintf("chapter %s failed validation with %d issues", e.ChapterID, len(e.Issues))
}

// Messages returns the issues as strings for manifest persistence.
func (e *ChapterValidationError) Messages() []string {
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		out = append(out, issue.String())
	}
	return out
}

// ChapterContentError reports a structurally valid chapter whose body falls
// below the sparse-content threshold.
type ChapterContentError struct {
	ChapterID string
	Chars     int
	Threshold int
}

func (e *ChapterContentError) Error() string {
	return fmt.Sprintf("chapter %s body too sparse: %d chars (threshold %d)", e.ChapterID, e.Chars, e.Threshold)
}
