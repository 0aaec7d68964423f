package sqlguard

import (
	"errors"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenString
	tokenQuotedIdent
	tokenNumber
	tokenPunct
	tokenSemicolon
	tokenComment
)

type token struct {
	kind  tokenKind
	value string
}

var (
	errUnterminatedString = errors.New("unterminated string literal")
	errUnterminatedIdent  = errors.New("unterminated quoted identifier")
)

// tokenize splits sql into lexical tokens. It understands single-quoted
// strings with doubled-quote escapes, double-quoted and backtick identifiers,
// and both comment styles. Whitespace is dropped.
func tokenize(sql string) ([]token, error) {
	var tokens []token
	rs := []rune(sql)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			j := i + 2
			for j < len(rs) && rs[j] != '\n' {
				j++
			}
			tokens = append(tokens, token{kind: tokenComment, value: string(rs[i:j])})
			i = j
		case r == '/' && i+1 < len(rs) && rs[i+1] == '*':
			// An unterminated block comment runs to the end of input.
			j := len(rs)
			if end := indexRunes(rs, i+2, "*/"); end != -1 {
				j = end + 2
			}
			tokens = append(tokens, token{kind: tokenComment, value: string(rs[i:j])})
			i = j
		case r == '\'':
			j, ok := scanQuoted(rs, i, '\'')
			if !ok {
				return nil, errUnterminatedString
			}
			tokens = append(tokens, token{kind: tokenString, value: string(rs[i:j])})
			i = j
		case r == '"' || r == '`':
			j, ok := scanQuoted(rs, i, r)
			if !ok {
				return nil, errUnterminatedIdent
			}
			tokens = append(tokens, token{kind: tokenQuotedIdent, value: string(rs[i:j])})
			i = j
		case r == ';':
			tokens = append(tokens, token{kind: tokenSemicolon, value: ";"})
			i++
		case unicode.IsDigit(r):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			tokens = append(tokens, token{kind: tokenNumber, value: string(rs[i:j])})
			i = j
		case isWordRune(r):
			j := i + 1
			for j < len(rs) && (isWordRune(rs[j]) || unicode.IsDigit(rs[j])) {
				j++
			}
			tokens = append(tokens, token{kind: tokenWord, value: string(rs[i:j])})
			i = j
		default:
			tokens = append(tokens, token{kind: tokenPunct, value: string(r)})
			i++
		}
	}
	return tokens, nil
}

// statements groups tokens into semicolon-separated statements, dropping
// comments and empty statements.
func statements(tokens []token) [][]token {
	var out [][]token
	var cur []token
	for _, t := range tokens {
		switch t.kind {
		case tokenComment:
			continue
		case tokenSemicolon:
			if len(cur) > 0 {
				out = append(out, cur)
			}
			cur = nil
		default:
			cur = append(cur, t)
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func scanQuoted(rs []rune, start int, quote rune) (int, bool) {
	for j := start + 1; j < len(rs); j++ {
		if rs[j] != quote {
			continue
		}
		if j+1 < len(rs) && rs[j+1] == quote {
			j++
			continue
		}
		return j + 1, true
	}
	return 0, false
}

func indexRunes(rs []rune, from int, sub string) int {
	idx := strings.Index(string(rs[from:]), sub)
	if idx == -1 {
		return -1
	}
	return from + len([]rune(string(rs[from:])[:idx]))
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$' || r == '@'
}
