package query

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// operator tokens, longest first so that prefixes don't win
var tokens = []string{
	"!=~", "=~", "!=", "<>", "<=", ">=", "->",
	"[", "]", "{", "}", "/", "?", ",", ":", "|", "\\", "=", ">", "<",
}

// Tokenizer splits query text into a flat token stream. Quoted strings are
// returned with their quotes; an unterminated string yields an empty token.
// An empty token also signals the end of input.
type Tokenizer struct {
	input  string
	pos    int
	pushed []string
}

func NewTokenizer(input string) *Tokenizer {
	return &Tokenizer{input: input}
}

// Pop consumes and returns the next token.
func (t *Tokenizer) Pop() string {
	if n := len(t.pushed); n > 0 {
		tok := t.pushed[n-1]
		t.pushed = t.pushed[:n-1]
		return tok
	}
	return t.next()
}

// Peek returns the next token without consuming it.
func (t *Tokenizer) Peek() string {
	if n := len(t.pushed); n > 0 {
		return t.pushed[n-1]
	}
	tok := t.next()
	t.pushed = append(t.pushed, tok)
	return tok
}

// Push returns a token to the stream; it will be popped next.
func (t *Tokenizer) Push(tok string) {
	t.pushed = append(t.pushed, tok)
}

// PopIdentifier pops a token and strips surrounding quotes, if any.
func (t *Tokenizer) PopIdentifier() string {
	tok := t.Pop()
	if len(tok) >= 2 && tok[0] == '"' && tok[len(tok)-1] == '"' {
		return tok[1 : len(tok)-1]
	}
	return tok
}

// AtEnd reports whether all input has been consumed.
func (t *Tokenizer) AtEnd() bool {
	return len(t.pushed) == 0 && strings.TrimSpace(t.input[t.pos:]) == ""
}

// Rest returns the unconsumed input, used for error messages.
func (t *Tokenizer) Rest() string {
	return strings.Join(t.pushed, " ") + t.input[t.pos:]
}

func (t *Tokenizer) next() string {
	var word strings.Builder
	for t.pos < len(t.input) {
		c, size := utf8.DecodeRuneInString(t.input[t.pos:])

		if c == '"' {
			if word.Len() > 0 {
				return word.String()
			}
			return t.quoted()
		}

		if unicode.IsSpace(c) {
			t.pos += size
			if word.Len() > 0 {
				return word.String()
			}
			continue
		}

		// index expressions: foo[*], foo[0]
		if word.Len() > 0 && c == '[' && t.pos+2 < len(t.input) && t.input[t.pos+2] == ']' {
			word.WriteString(t.input[t.pos : t.pos+3])
			t.pos += 3
			continue
		}

		if op := t.operatorAt(t.pos); op != "" {
			if word.Len() > 0 {
				return word.String()
			}
			t.pos += len(op)
			return op
		}

		word.WriteRune(c)
		t.pos += size
	}
	return word.String()
}

func (t *Tokenizer) quoted() string {
	start := t.pos
	escaped := false
	for i := start + 1; i < len(t.input); i++ {
		c := t.input[i]
		if !escaped && c == '"' {
			t.pos = i + 1
			return t.input[start:t.pos]
		}
		escaped = !escaped && c == '\\'
	}
	t.pos = len(t.input)
	return ""
}

func (t *Tokenizer) operatorAt(pos int) string {
	s := t.input[pos:]
	for _, op := range tokens {
		if strings.HasPrefix(s, op) {
			return op
		}
	}
	return ""
}

// Tokenize returns all tokens of the input, for diagnostics.
func Tokenize(input string) []string {
	t := NewTokenizer(input)
	var result []string
	for !t.AtEnd() {
		tok := t.Pop()
		if tok == "" {
			break
		}
		result = append(result, tok)
	}
	return result
}
