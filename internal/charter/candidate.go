package charter

import (
	"maps"
	"strings"
	"unicode"
)

// #region candidate

// CandidateKind tags the shape of a Candidate.
type CandidateKind int

const (
	KindText CandidateKind = iota
	KindStructured
)

func (k CandidateKind) String() string {
	if k == KindStructured {
		return "structured"
	}
	return "text"
}

// Candidate is the output under review: either free text or a mapping of
// named fields.
type Candidate struct {
	kind   CandidateKind
	text   string
	fields map[string]any
}

// Text wraps a textual output.
func Text(s string) Candidate {
	return Candidate{kind: KindText, text: s}
}

// Structured wraps a field mapping. The map is copied.
func Structured(fields map[string]any) Candidate {
	return Candidate{kind: KindStructured, fields: maps.Clone(fields)}
}

func (c Candidate) Kind() CandidateKind { return c.kind }

// Text returns the candidate's text and whether it is textual.
func (c Candidate) Text() (string, bool) {
	return c.text, c.kind == KindText
}

// Fields returns a copy of the structured fields, nil for text.
func (c Candidate) Fields() map[string]any {
	return maps.Clone(c.fields)
}

// Field looks up one structured field.
func (c Candidate) Field(key string) (any, bool) {
	v, ok := c.fields[key]
	return v, ok
}

// HasConfidence reports an explicit confidence or uncertainty indicator.
func (c Candidate) HasConfidence() bool {
	return c.has("confidence") || c.has("uncertainty")
}

// HasReasoning reports an attached reasoning or explanation.
func (c Candidate) HasReasoning() bool {
	return c.has("reasoning") || c.has("explanation")
}

func (c Candidate) has(key string) bool {
	if c.kind != KindStructured {
		return false
	}
	_, ok := c.fields[key]
	return ok
}

// #endregion candidate

// #region tokens

// normalize lowercases s and reduces it to letter/digit runs joined by
// single spaces, with a leading space so every word start is " word".
func normalize(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ")
}

// phraseSet matches phrases that begin at a word start. The last word of a
// phrase may run on, so "password" matches "passwords" and "kill" matches
// "killing", but "kill" does not match "skill".
type phraseSet struct {
	needles []string
	raw     []string
}

func newPhraseSet(entries []string) phraseSet {
	ps := phraseSet{}
	for _, e := range entries {
		n := normalize(e)
		if n == " " {
			continue
		}
		ps.needles = append(ps.needles, n)
		ps.raw = append(ps.raw, n[1:])
	}
	return ps
}

// first returns the first configured phrase found in normalized text.
func (ps phraseSet) first(text string) (string, bool) {
	for i, n := range ps.needles {
		if strings.Contains(text, n) {
			return ps.raw[i], true
		}
	}
	return "", false
}

// #endregion tokens
