package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Parse parses query text, substituting %name placeholders from bindings.
// Parse never fails outright; check Query.Failed or Query.Err.
func Parse(text string, bindings map[string]any) *Query {
	p := &parser{text: text, bindings: bindings, tok: NewTokenizer(text)}
	q, err := p.parse()
	if err != nil {
		return &Query{Text: text, Explanation: []string{err.Error()}}
	}
	return q
}

// MustParse is Parse for literal queries known to be valid.
func MustParse(text string) *Query {
	q := Parse(text, nil)
	if err := q.Err(); err != nil {
		panic(err)
	}
	return q
}

type parser struct {
	text     string
	bindings map[string]any
	tok      *Tokenizer
}

func (p *parser) parse() (*Query, error) {
	q := &Query{Text: p.text, Bindings: make(map[string]any)}
	if !strings.HasPrefix(p.text, "[") {
		return nil, fmt.Errorf("query must start with '[': %q", p.text)
	}

	for {
		token := p.tok.Pop()
		if token == "" {
			if !p.tok.AtEnd() {
				return nil, fmt.Errorf("unterminated string in query %q", p.text)
			}
			break
		}
		if token != "[" {
			return nil, fmt.Errorf("parse error: expecting '[' but got '%s'", token)
		}

		token = p.tok.Pop()
		switch token {
		case "?":
			ot, err := p.parseOrTerm(q)
			if err != nil {
				return nil, err
			}
			q.Terms = append(q.Terms, ot)
		case "=":
			if err := p.parseProjection(q); err != nil {
				return nil, err
			}
		case "/", "\\", ">", "<":
			name := p.tok.PopIdentifier()
			if name == "" || name == "]" {
				return nil, fmt.Errorf("parse error: missing order property in query %q", p.text)
			}
			for p.tok.Peek() == "->" {
				p.tok.Pop()
				name += "->" + p.tok.PopIdentifier()
			}
			q.OrderTerms = append(q.OrderTerms, OrderTerm{
				PropertyName: name,
				Ascending:    token == "/" || token == ">",
			})
		case "count":
			q.Aggregate = "count"
		case "*":
		default:
			return nil, fmt.Errorf("parse error: expecting '?', '/', '\\', or 'count' but got '%s'", token)
		}

		if closing := p.tok.Pop(); closing != "]" {
			return nil, fmt.Errorf("parse error: expecting ']' but got '%s'", closing)
		}
	}

	for _, ot := range q.Terms {
		for _, t := range ot.Terms {
			if t.PropertyName != TypeField || t.JoinField != "" {
				continue
			}
			switch t.Op {
			case OpEqual, OpNotEqual:
				if s, ok := t.Value.(string); ok {
					addType(q, s)
				}
			case OpIn:
				if arr, ok := t.Value.([]any); ok {
					for _, v := range arr {
						if s, ok := v.(string); ok {
							addType(q, s)
						}
					}
				}
			}
		}
	}

	if q.IsEmpty() {
		q.OrderTerms = []OrderTerm{{PropertyName: TypeField, Ascending: true}}
	}
	return q, nil
}

func addType(q *Query, typ string) {
	if q.MatchedTypes == nil {
		q.MatchedTypes = make(map[string]bool)
	}
	q.MatchedTypes[typ] = true
}

func (p *parser) parseOrTerm(q *Query) (OrTerm, error) {
	var ot OrTerm
	for {
		fieldSpec := p.tok.PopIdentifier()
		if fieldSpec == "|" {
			fieldSpec = p.tok.PopIdentifier()
		}
		if fieldSpec == "" || fieldSpec == "]" {
			return ot, fmt.Errorf("parse error: missing property in query %q", p.text)
		}

		opOrJoin := p.tok.Pop()
		var joins []string
		for opOrJoin == "->" {
			joins = append(joins, fieldSpec)
			fieldSpec = p.tok.PopIdentifier()
			opOrJoin = p.tok.Pop()
		}

		t := Term{Op: opOrJoin, Value: Undefined, JoinField: strings.Join(joins, "->")}
		if name, ok := strings.CutPrefix(fieldSpec, "%"); ok {
			v, found := p.bindings[name]
			s, isString := v.(string)
			if !found || !isString {
				return ot, fmt.Errorf("unbound property variable '%%%s' in query %q", name, p.text)
			}
			q.Bindings[name] = s
			t.PropertyVariable = name
			t.PropertyName = s
		} else {
			t.PropertyName = fieldSpec
		}

		if !knownOps[t.Op] {
			return ot, fmt.Errorf("unknown operator '%s' in query %q for property %s", t.Op, p.text, fieldSpec)
		}

		switch t.Op {
		case OpRegexp, OpNotRegexp:
			if err := p.parseRegexp(q, &t); err != nil {
				return ot, err
			}
		case OpExists, OpNotExists:
		default:
			raw := p.tok.Pop()
			var v any
			var err error
			switch raw {
			case "[":
				v, err = p.parseArray()
			case "{":
				v, err = p.parseObject()
			default:
				v, err = p.parseLiteral(raw, &t)
			}
			if err != nil {
				return ot, fmt.Errorf("failed to parse query value '%s' in query %q %s op %s: %w", raw, p.text, fieldSpec, t.Op, err)
			}
			if name, ok := strings.CutPrefix(raw, "%"); ok {
				q.Bindings[name] = v
			}
			t.Value = v
		}

		ot.Terms = append(ot.Terms, t)

		next := p.tok.Peek()
		if next == "]" {
			return ot, nil
		}
		if next == "" {
			return ot, fmt.Errorf("parse error: unexpected end of query %q", p.text)
		}
	}
}

func (p *parser) parseRegexp(q *Query, t *Term) error {
	raw := p.tok.Pop()
	var spec string
	if name, ok := strings.CutPrefix(raw, "%"); ok {
		v, found := p.bindings[name]
		s, isString := v.(string)
		if !found || !isString {
			return fmt.Errorf("unbound regular expression variable '%%%s' in query %q", name, p.text)
		}
		q.Bindings[name] = s
		t.Variable = name
		spec = s
	} else if len(raw) >= 2 && raw[0] == '"' {
		spec = raw[1 : len(raw)-1]
	} else {
		return fmt.Errorf("failed to parse query regular expression '%s' in query %q %s op %s", raw, p.text, t.PropertyName, t.Op)
	}

	sep, size := utf8.DecodeRuneInString(spec)
	if size == 0 {
		return fmt.Errorf("empty regular expression in query %q", p.text)
	}
	body := spec[size:]
	end := -1
	for i := 0; i < len(body); {
		r, n := utf8.DecodeRuneInString(body[i:])
		if r == '\\' {
			i += n + 1
			continue
		}
		if r == sep {
			end = i
			break
		}
		i += n
	}
	if end < 0 {
		return fmt.Errorf("unterminated regular expression '%s' in query %q", spec, p.text)
	}
	t.Pattern = body[:end]
	modifiers := body[end+utf8.RuneLen(sep):]
	t.Wildcard = strings.Contains(modifiers, "w")
	t.CaseInsensitive = strings.Contains(modifiers, "i")

	re, err := CompilePattern(t.Pattern, t.Wildcard, t.CaseInsensitive)
	if err != nil {
		return fmt.Errorf("failed to compile regular expression '%s' in query %q: %w", t.Pattern, p.text, err)
	}
	t.Regexp = re
	return nil
}

// CompilePattern compiles a query pattern into a full-string matcher. Wildcard
// patterns use shell syntax: * matches any run, ? any character, [...] a class.
func CompilePattern(pattern string, wildcard, caseInsensitive bool) (*regexp.Regexp, error) {
	expr := pattern
	if wildcard {
		expr = wildcardToRegexp(pattern)
	}
	prefix := ""
	if caseInsensitive {
		prefix = "(?i)"
	}
	return regexp.Compile(prefix + "^(?:" + expr + ")$")
}

func wildcardToRegexp(pattern string) string {
	var sb strings.Builder
	inClass := false
	for _, r := range pattern {
		switch {
		case inClass:
			if r == ']' {
				inClass = false
			}
			if r == '\\' {
				sb.WriteString(`\\`)
				continue
			}
			sb.WriteRune(r)
		case r == '*':
			sb.WriteString(".*")
		case r == '?':
			sb.WriteString(".")
		case r == '[':
			inClass = true
			sb.WriteRune(r)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return sb.String()
}

func (p *parser) parseLiteral(raw string, t *Term) (any, error) {
	switch {
	case raw == "":
		return nil, fmt.Errorf("missing value")
	case raw[0] == '"':
		return unescape(raw[1 : len(raw)-1]), nil
	case raw == "true":
		return true, nil
	case raw == "false":
		return false, nil
	case raw == "null":
		return nil, nil
	case raw[0] == '%':
		name := raw[1:]
		v, found := p.bindings[name]
		if !found {
			return nil, fmt.Errorf("unbound variable '%%%s'", name)
		}
		if t != nil {
			t.Variable = name
		}
		return Normalize(v), nil
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal")
		}
		return f, nil
	}
}

func (p *parser) parseArray() (any, error) {
	arr := []any{}
	for tok := p.tok.Pop(); tok != ""; tok = p.tok.Pop() {
		if tok == "]" {
			return arr, nil
		}
		var v any
		var err error
		switch tok {
		case "[":
			v, err = p.parseArray()
		case "{":
			v, err = p.parseObject()
		default:
			v, err = p.parseLiteral(tok, nil)
		}
		if err != nil {
			return nil, err
		}
		arr = append(arr, v)
		switch p.tok.Pop() {
		case "]":
			return arr, nil
		case ",":
		default:
			return nil, fmt.Errorf("expecting ',' or ']' in array")
		}
	}
	return nil, fmt.Errorf("unterminated array")
}

func (p *parser) parseObject() (any, error) {
	obj := map[string]any{}
	for key := p.tok.PopIdentifier(); key != ""; key = p.tok.PopIdentifier() {
		if key == "}" {
			return obj, nil
		}
		if p.tok.Pop() != ":" {
			return nil, fmt.Errorf("expecting ':' after key %q", key)
		}
		tok := p.tok.Pop()
		var v any
		var err error
		switch tok {
		case "[":
			v, err = p.parseArray()
		case "{":
			v, err = p.parseObject()
		default:
			v, err = p.parseLiteral(tok, nil)
		}
		if err != nil {
			return nil, err
		}
		obj[unescape(key)] = v
		switch p.tok.Pop() {
		case "}":
			return obj, nil
		case ",":
		default:
			return nil, fmt.Errorf("expecting ',' or '}' in object")
		}
	}
	return nil, fmt.Errorf("unterminated object")
}

// parseProjection reads the body of a [=...] clause: {k: expr, ...} for
// objects, [expr, ...] for lists, or a single expr for bare values. The last
// projection clause of a query wins.
func (p *parser) parseProjection(q *Query) error {
	q.MapKeys, q.MapExpressions = nil, nil
	switch tok := p.tok.Peek(); tok {
	case "{":
		p.tok.Pop()
		q.ResultType = ResultMap
		return p.parseProjectionItems(q, "}", true)
	case "[":
		p.tok.Pop()
		q.ResultType = ResultList
		return p.parseProjectionItems(q, "]", false)
	case "", "]", ",", "}":
		return fmt.Errorf("parse error: missing projection in query %q", p.text)
	default:
		q.ResultType = ResultValue
		q.MapExpressions = []string{p.parsePath()}
		return nil
	}
}

func (p *parser) parseProjectionItems(q *Query, closing string, keyed bool) error {
	for {
		if p.tok.Peek() == closing {
			p.tok.Pop()
			return nil
		}
		if keyed {
			key := p.tok.PopIdentifier()
			if key == "" {
				return fmt.Errorf("parse error: unterminated projection in query %q", p.text)
			}
			if colon := p.tok.Pop(); colon != ":" {
				return fmt.Errorf("parse error: expecting ':' but got '%s'", colon)
			}
			q.MapKeys = append(q.MapKeys, key)
		}
		expr := p.parsePath()
		if expr == "" {
			return fmt.Errorf("parse error: unterminated projection in query %q", p.text)
		}
		q.MapExpressions = append(q.MapExpressions, expr)

		switch sep := p.tok.Pop(); sep {
		case closing:
			return nil
		case ",":
		default:
			return fmt.Errorf("parse error: expecting ',' or '%s' but got '%s'", closing, sep)
		}
	}
}

// parsePath reads a property path with optional -> hops.
func (p *parser) parsePath() string {
	expr := p.tok.PopIdentifier()
	for p.tok.Peek() == "->" {
		expr += p.tok.Pop() + p.tok.PopIdentifier()
	}
	return expr
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'u':
			if i+4 < len(s) {
				if n, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
					sb.WriteRune(rune(n))
					i += 4
					continue
				}
			}
			sb.WriteByte('u')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
