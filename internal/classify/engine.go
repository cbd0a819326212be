package classify

import (
	"strings"

	"commagent/internal/domain"
)

type Result struct {
	Category     string
	Score        float64
	AssigneeID   string
	ClassifierID string
	// Alternatives are the winning classifier's fallback assignees, in order.
	Alternatives []string
}

// Fallback reports whether no classifier matched.
func (r Result) Fallback() bool { return r.ClassifierID == "" }

// Score is one classifier's outcome, for dry runs.
type Score struct {
	ClassifierID string
	Category     string
	Keywords     float64
	Phrases      float64
}

func (s Score) Total() float64 { return s.Keywords + s.Phrases }

// Engine is stateless apart from its stemmer and safe for concurrent use.
type Engine struct {
	stemmer Stemmer
}

func New(s Stemmer) *Engine {
	if s == nil {
		s = Snowball()
	}
	return &Engine{stemmer: s}
}

func (e *Engine) stems(text string) []string {
	toks := Tokenize(text)
	for i, t := range toks {
		toks[i] = e.stemmer.Stem(t)
	}
	return toks
}

// Classify picks the classifier with the strictly greatest score. Inactive
// classifiers are ignored. When nothing scores above zero the result is
// GENERAL with the tenant's default assignee.
func (e *Engine) Classify(text string, classifiers []domain.Classifier, defaultAssignee string) Result {
	best := -1
	var bestScore float64
	for i, s := range e.Scores(text, classifiers) {
		if t := s.Total(); t > 0 && (best < 0 || t > bestScore) {
			best, bestScore = i, t
		}
	}
	if best < 0 {
		return Result{Category: domain.CategoryGeneral, AssigneeID: defaultAssignee}
	}
	c := classifiers[best]
	return Result{
		Category:     c.Category,
		Score:        bestScore,
		AssigneeID:   c.DefaultAssignee,
		ClassifierID: c.ID,
		Alternatives: append([]string(nil), c.AlternativeAssignees...),
	}
}

// Scores returns one entry per classifier, index-aligned with the input.
// Inactive classifiers get a zero entry.
func (e *Engine) Scores(text string, classifiers []domain.Classifier) []Score {
	out := make([]Score, len(classifiers))
	if len(classifiers) == 0 {
		return out
	}
	tokens := e.stems(text)
	lower := strings.ToLower(text)
	for i, c := range classifiers {
		if !c.Active || c.Weight <= 0 {
			continue
		}
		out[i] = Score{
			ClassifierID: c.ID,
			Category:     c.Category,
			Keywords:     e.keywordScore(tokens, c),
			Phrases:      phraseScore(lower, c),
		}
	}
	return out
}

// keywordScore adds weight once per occurrence of each keyword's stem
// sequence in the token stream.
func (e *Engine) keywordScore(tokens []string, c domain.Classifier) float64 {
	var score float64
	for _, kw := range c.Keywords {
		seq := e.stems(kw)
		if len(seq) == 0 {
			continue
		}
		score += float64(countSeq(tokens, seq)) * c.Weight
	}
	return score
}

func phraseScore(lowerText string, c domain.Classifier) float64 {
	var score float64
	for _, p := range c.Phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(lowerText, p) {
			score += 2 * c.Weight
		}
	}
	return score
}

func countSeq(tokens, seq []string) int {
	n := 0
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for j := range seq {
			if tokens[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			n++
		}
	}
	return n
}

// PriorityFor applies the category priority rule: URGENT forces urgent,
// COMPLAINT forces high, anything else keeps current (medium when unset).
func PriorityFor(category string, current domain.Priority) domain.Priority {
	switch strings.ToUpper(category) {
	case domain.CategoryUrgent:
		return domain.PriorityUrgent
	case domain.CategoryComplaint:
		return domain.PriorityHigh
	}
	if current == "" {
		return domain.PriorityMedium
	}
	return current
}
