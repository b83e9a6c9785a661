package model

// QuestionType enumerates the four question widgets.
type QuestionType string

const (
	QuestionTypeShortAnswer    QuestionType = "short_answer"
	QuestionTypeParagraph      QuestionType = "paragraph"
	QuestionTypeMultipleChoice QuestionType = "multiple_choice"
	QuestionTypeCheckboxes     QuestionType = "checkboxes"
)

// HasOptions reports whether answers are picked from an option list.
func (t QuestionType) HasOptions() bool {
	return t == QuestionTypeMultipleChoice || t == QuestionTypeCheckboxes
}

// Question represents a single exam question.
type Question struct {
	ID       string       `json:"id" yaml:"id"`
	Type     QuestionType `json:"type" yaml:"type"`
	Text     string       `json:"text" yaml:"text"`
	Options  []string     `json:"options" yaml:"options"`
	Required bool         `json:"required" yaml:"required"`
	ImageURL *string      `json:"image_url,omitempty" yaml:"image_url,omitempty"`
}

// AnswerDraft maps question id to the ordered answer values. Scalar answers hold one value,
// checkbox answers one value per selection. An absent key means unanswered.
type AnswerDraft map[string][]string

// Answered reports whether the question has at least one non-blank value.
func (d AnswerDraft) Answered(questionID string) bool {
	for _, v := range d[questionID] {
		if v != "" {
			return true
		}
	}
	return false
}

// Restrict returns a copy keeping only keys present in ids.
func (d AnswerDraft) Restrict(ids map[string]struct{}) AnswerDraft {
	out := make(AnswerDraft, len(d))
	for k, v := range d {
		if _, ok := ids[k]; ok {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}

// Clone returns a deep copy.
func (d AnswerDraft) Clone() AnswerDraft {
	out := make(AnswerDraft, len(d))
	for k, v := range d {
		out[k] = append([]string(nil), v...)
	}
	return out
}
