package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

type QuestionType string

const (
	QuestionText        QuestionType = "text"
	QuestionTextarea    QuestionType = "textarea"
	QuestionSelect      QuestionType = "select"
	QuestionRadio       QuestionType = "radio"
	QuestionCheckbox    QuestionType = "checkbox"
	QuestionMultiSelect QuestionType = "multi-select"
	QuestionFile        QuestionType = "file"
	QuestionDate        QuestionType = "date"
	QuestionEmail       QuestionType = "email"
	QuestionPhone       QuestionType = "phone"
	QuestionNumber      QuestionType = "number"
	QuestionContent     QuestionType = "content"
	QuestionAccept      QuestionType = "accept"
	QuestionName        QuestionType = "name"
)

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionText, QuestionTextarea, QuestionSelect, QuestionRadio, QuestionCheckbox,
		QuestionMultiSelect, QuestionFile, QuestionDate, QuestionEmail, QuestionPhone,
		QuestionNumber, QuestionContent, QuestionAccept, QuestionName:
		return true
	default:
		return false
	}
}

// HasOptions reports whether answers to t are picked from the question options.
func (t QuestionType) HasOptions() bool {
	switch t {
	case QuestionSelect, QuestionRadio, QuestionCheckbox, QuestionMultiSelect:
		return true
	default:
		return false
	}
}

type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

type Action string

const (
	ActionShow Action = "show"
	ActionHide Action = "hide"
)

type Question struct {
	ID               string       `json:"id"`
	Label            string       `json:"label"`
	Type             QuestionType `json:"type"`
	Options          []string     `json:"options,omitempty"`
	IsConditional    bool         `json:"isConditional"`
	IsRequired       bool         `json:"isRequired"`
	IsUsedForInvoice bool         `json:"isUsedForInvoice"`
}

// Condition compares the answer of a trigger question with an expected value.
// Logic describes how the condition folds into the result accumulated from the
// conditions before it.
type Condition struct {
	TriggerQuestionID string `json:"triggerQuestionId"`
	Condition         string `json:"condition,omitempty"`
	Option            string `json:"option,omitempty"`
	Logic             Logic  `json:"logic,omitempty"`
}

// Expected returns the value the trigger answer must equal. Invoice rules store
// it under "option", visibility rules under "condition".
func (c Condition) Expected() (string, bool) {
	if c.Condition != "" {
		return c.Condition, true
	}
	if c.Option != "" {
		return c.Option, true
	}
	return "", false
}

func (c Condition) wellFormed() bool {
	if c.TriggerQuestionID == "" {
		return false
	}
	_, ok := c.Expected()
	return ok
}

// Rule drives question visibility.
type Rule struct {
	ID                string      `json:"id"`
	QuestionID        string      `json:"questionId,omitempty"`
	Action            Action      `json:"action"`
	TargetQuestionIDs []string    `json:"targetQuestionIds"`
	Conditions        []Condition `json:"conditions"`
}

func (r Rule) targets(questionID string) bool {
	for _, id := range r.TargetQuestionIDs {
		if id == questionID {
			return true
		}
	}
	return false
}

// InvoiceRule maps a (type, category) answer pair of a course form to a priced item.
type InvoiceRule struct {
	ID          string      `json:"id"`
	CourseID    string      `json:"courseId,omitempty"`
	LinkedItems []string    `json:"linkedItems"`
	Conditions  []Condition `json:"conditions"`
}

type Item struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Quantity int     `json:"quantity,omitempty"`
}

type AnswerKind int

const (
	AnswerNone AnswerKind = iota
	AnswerText
	AnswerList
	AnswerBool
	AnswerFile
)

type FileMeta struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Answer is the submitted value for one question. Exactly one of the value
// fields is meaningful, selected by Kind.
type Answer struct {
	Kind AnswerKind
	Text string
	List []string
	Bool bool
	File *FileMeta
}

func TextAnswer(value string) Answer    { return Answer{Kind: AnswerText, Text: value} }
func ListAnswer(values ...string) Answer { return Answer{Kind: AnswerList, List: values} }
func BoolAnswer(value bool) Answer      { return Answer{Kind: AnswerBool, Bool: value} }
func FileAnswer(meta FileMeta) Answer   { return Answer{Kind: AnswerFile, File: &meta} }

// Empty reports whether the answer carries no usable value.
func (a Answer) Empty() bool {
	switch a.Kind {
	case AnswerText:
		return a.Text == ""
	case AnswerList:
		return len(a.List) == 0
	case AnswerBool:
		return !a.Bool
	case AnswerFile:
		return a.File == nil
	default:
		return true
	}
}

func (a Answer) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case AnswerText:
		return json.Marshal(a.Text)
	case AnswerList:
		if a.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.List)
	case AnswerBool:
		return json.Marshal(a.Bool)
	case AnswerFile:
		return json.Marshal(a.File)
	default:
		return []byte("null"), nil
	}
}

func (a *Answer) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*a = Answer{}
		return nil
	}

	switch data[0] {
	case 'n':
		*a = Answer{}
		return nil
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*a = TextAnswer(text)
		return nil
	case '[':
		var raw []any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		values := make([]string, 0, len(raw))
		for _, value := range raw {
			values = append(values, scalarString(value))
		}
		*a = ListAnswer(values...)
		return nil
	case 't', 'f':
		var value bool
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*a = BoolAnswer(value)
		return nil
	case '{':
		var meta FileMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		*a = FileAnswer(meta)
		return nil
	default:
		var number json.Number
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&number); err != nil {
			return fmt.Errorf("unsupported answer value: %w", err)
		}
		*a = TextAnswer(number.String())
		return nil
	}
}

func scalarString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

// Answers maps question ids to the answers of one submission or preview session.
type Answers map[string]Answer
