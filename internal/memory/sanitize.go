package memory

import (
	"regexp"
	"strings"
	"unicode"
)

// ftsSpecialChars are characters with syntactic meaning in FTS5 match
// expressions. User text is never trusted as query syntax.
const ftsSpecialChars = `"'*-^~,.:?!@()[]{};<>\/|`

var tagRe = regexp.MustCompile(`<[^>]*>`)

// ftsOperators are the FTS5 infix operators honored when the input spells
// them out. They are case-sensitive in FTS5, so lowercase "and" stays a term.
var ftsOperators = map[string]bool{"AND": true, "OR": true, "NOT": true}

// SanitizeFTSQuery turns arbitrary user text into a safe FTS5 match
// expression. Tags and special characters are stripped, then the residue is
// wrapped in a single phrase match — unless the input carries explicit
// AND/OR/NOT operators in positions that form a valid boolean expression, in
// which case the operators are kept and each term is quoted. Returns "" when
// no searchable terms remain.
func SanitizeFTSQuery(input string) string {
	cleaned := tagRe.ReplaceAllString(input, " ")
	for _, ch := range ftsSpecialChars {
		cleaned = strings.ReplaceAll(cleaned, string(ch), " ")
	}

	var terms []string
	for _, word := range strings.Fields(cleaned) {
		if !containsAlnum(word) {
			continue
		}
		terms = append(terms, word)
	}
	if len(terms) == 0 {
		return ""
	}

	if expr, ok := booleanExpr(terms); ok {
		return expr
	}
	return `"` + strings.Join(terms, " ") + `"`
}

// booleanExpr renders the terms as an explicit boolean query when the
// operator placement is valid: at least one operator, never leading,
// trailing, or doubled. Anything else falls back to phrase matching, where
// operator words are just tokens.
func booleanExpr(terms []string) (string, bool) {
	hasOp := false
	expectTerm := true
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		if ftsOperators[t] {
			if expectTerm {
				return "", false
			}
			hasOp = true
			parts = append(parts, t)
			expectTerm = true
			continue
		}
		parts = append(parts, `"`+t+`"`)
		expectTerm = false
	}
	if !hasOp || expectTerm {
		return "", false
	}
	return strings.Join(parts, " "), true
}

func containsAlnum(word string) bool {
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
