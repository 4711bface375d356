package core

import (
	"sort"
	"strconv"
)

const (
	NoMatchLabel     = "No Match"
	NoPackageLabel   = "N/A"
	FallbackCurrency = "USD"
)

// EvaluateCondition reports whether the answer to the condition's trigger
// question equals the expected value. Unanswered triggers and malformed
// conditions never match.
func EvaluateCondition(condition Condition, answers Answers) bool {
	expected, ok := condition.Expected()
	if !ok || condition.TriggerQuestionID == "" {
		return false
	}

	answer, ok := answers[condition.TriggerQuestionID]
	if !ok {
		return false
	}

	return answerEquals(answer, expected)
}

// answerEquals is exact equality only. List and file answers are never equal
// to a scalar expected value.
func answerEquals(answer Answer, expected string) bool {
	switch answer.Kind {
	case AnswerText:
		return answer.Text == expected
	case AnswerBool:
		return strconv.FormatBool(answer.Bool) == expected
	default:
		return false
	}
}

// MatchRule folds the rule's conditions left to right. The first condition
// seeds the result; every later condition combines with the running result
// using its own logic operator. The first condition's logic is never read.
func MatchRule(rule Rule, answers Answers) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	for _, condition := range rule.Conditions {
		if !condition.wellFormed() {
			return false
		}
	}

	result := EvaluateCondition(rule.Conditions[0], answers)
	for _, condition := range rule.Conditions[1:] {
		matched := EvaluateCondition(condition, answers)
		switch condition.Logic {
		case LogicOr:
			result = result || matched
		default:
			result = result && matched
		}
	}

	return result
}

// MatchInvoiceRule matches on the first two conditions only: the "type" and
// "category" answers of the course form.
func MatchInvoiceRule(rule InvoiceRule, answers Answers) bool {
	if len(rule.Conditions) < 2 {
		return false
	}

	first, second := rule.Conditions[0], rule.Conditions[1]
	if !first.wellFormed() || !second.wellFormed() {
		return false
	}

	return EvaluateCondition(first, answers) && EvaluateCondition(second, answers)
}

// VisibleSet holds the ids of visible questions.
type VisibleSet map[string]struct{}

func (s VisibleSet) Has(questionID string) bool {
	_, ok := s[questionID]
	return ok
}

// IDs returns the visible ids in question order.
func (s VisibleSet) IDs(questions []Question) []string {
	ids := make([]string, 0, len(s))
	for _, question := range questions {
		if s.Has(question.ID) {
			ids = append(ids, question.ID)
		}
	}
	return ids
}

// Sorted returns the visible ids sorted lexically.
func (s VisibleSet) Sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Diff reports which ids became visible and which were hidden relative to previous.
func (s VisibleSet) Diff(previous VisibleSet) (shown []string, hidden []string) {
	shown = make([]string, 0)
	hidden = make([]string, 0)
	for id := range s {
		if !previous.Has(id) {
			shown = append(shown, id)
		}
	}
	for id := range previous {
		if !s.Has(id) {
			hidden = append(hidden, id)
		}
	}
	sort.Strings(shown)
	sort.Strings(hidden)
	return shown, hidden
}

// NewVisibleSet builds a set from ids.
func NewVisibleSet(ids ...string) VisibleSet {
	set := make(VisibleSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// ResolveVisibility returns the questions visible for answers. Non-conditional
// questions are always visible. A conditional question is visible when any
// rule targeting it matches; the rule's action is not consulted. Callers
// re-run it after every answer change, including answers reset because a
// question was hidden.
func ResolveVisibility(questions []Question, rules []Rule, answers Answers) VisibleSet {
	known := make(map[string]struct{}, len(questions))
	for _, question := range questions {
		known[question.ID] = struct{}{}
	}

	visible := make(VisibleSet, len(questions))
	for _, question := range questions {
		if !question.IsConditional {
			visible[question.ID] = struct{}{}
		}
	}

	for _, question := range questions {
		if !question.IsConditional {
			continue
		}
		for _, rule := range rules {
			if !rule.targets(question.ID) || !triggersKnown(rule.Conditions, known) {
				continue
			}
			if MatchRule(rule, answers) {
				visible[question.ID] = struct{}{}
				break
			}
		}
	}

	return visible
}

func triggersKnown(conditions []Condition, known map[string]struct{}) bool {
	for _, condition := range conditions {
		if _, ok := known[condition.TriggerQuestionID]; !ok {
			return false
		}
	}
	return true
}

// Selection is the outcome of invoice item selection. A selection with
// Matched=false is a valid terminal outcome, not an error.
type Selection struct {
	Matched  bool    `json:"matched"`
	RuleID   string  `json:"ruleId,omitempty"`
	Type     string  `json:"type"`
	Category string  `json:"category"`
	Package  string  `json:"package"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Items    []Item  `json:"items,omitempty"`
}

// NoMatch is the selection returned when no invoice rule matches.
func NoMatch() Selection {
	return Selection{
		Type:     NoMatchLabel,
		Category: NoMatchLabel,
		Package:  NoPackageLabel,
		Amount:   0,
		Currency: FallbackCurrency,
	}
}

// SelectItems returns the selection of the first rule, in stored order, that
// matches answers.
func SelectItems(rules []InvoiceRule, answers Answers, items []Item) Selection {
	for _, rule := range rules {
		if MatchInvoiceRule(rule, answers) {
			selection := resolveLinkedItem(rule, items)
			selection.Matched = true
			return selection
		}
	}

	return NoMatch()
}

// SelectItemsFromDraft labels a selection from the rule draft being edited.
// It is only meaningful while a course has no stored rules. No answers are
// matched against a draft, so the selection always has Matched=false.
func SelectItemsFromDraft(draft InvoiceRule, items []Item) Selection {
	return resolveLinkedItem(draft, items)
}

func resolveLinkedItem(rule InvoiceRule, items []Item) Selection {
	selection := Selection{
		RuleID:   rule.ID,
		Type:     conditionOption(rule.Conditions, 0),
		Category: conditionOption(rule.Conditions, 1),
		Package:  NoPackageLabel,
		Currency: FallbackCurrency,
	}

	if len(rule.LinkedItems) == 0 {
		return selection
	}

	item, ok := findItem(items, rule.LinkedItems[0])
	if !ok {
		return selection
	}

	selection.Package = item.Name
	selection.Amount = item.Amount
	if item.Currency != "" {
		selection.Currency = item.Currency
	}
	selection.Items = []Item{item}

	return selection
}

func conditionOption(conditions []Condition, index int) string {
	if index >= len(conditions) {
		return ""
	}
	value, _ := conditions[index].Expected()
	return value
}

func findItem(items []Item, id string) (Item, bool) {
	for _, item := range items {
		if item.ID == id {
			return item, true
		}
	}
	return Item{}, false
}
