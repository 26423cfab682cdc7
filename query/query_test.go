package query

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizeGolden(t *testing.T) {
	inputs := []string{
		`[?_type="Contact"][/name]`,
		`[?name=~"/J*/wi"]`,
		`[?owner->name != "Bob"]`,
		`[?tags[*] in ["a", "b"]]`,
		`[\age][={n:name, o:owner->name}]`,
		`[?n>=-5]`,
	}
	var buf bytes.Buffer
	for _, in := range inputs {
		fmt.Fprintf(&buf, "%s\n%q\n", in, Tokenize(in))
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "tokens", buf.Bytes())
}

func TestParseGolden(t *testing.T) {
	inputs := []string{
		`[?_type="Contact"][/name]`,
		`[?name=~"/J*/wi"]`,
		`[?owner->name != "Bob" | age > 30][\age]`,
		`[?_type in ["A","B"]][count]`,
		`[={n:name, o:owner->name}]`,
		`[*]`,
		`name="x"`,
		`[?x = %missing]`,
		`[?x exists][?y notExists]`,
		`[=[name, owner->city]]`,
		`[?_type="P"][=owner->name]`,
		`[={n:name}][=[a b]]`,
	}
	var buf bytes.Buffer
	for _, in := range inputs {
		fmt.Fprintf(&buf, "# %s\n%s\n", in, Parse(in, nil).Dump())
	}
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "parse", buf.Bytes())
}

func TestParse_projectionShapes(t *testing.T) {
	q := MustParse(`[?_type="P"][=[name, owner->city, "x"]]`)
	assert.Equal(t, ResultList, q.ResultType)
	assert.Empty(t, q.MapKeys)
	assert.Equal(t, []string{"name", "owner->city", "x"}, q.MapExpressions)
	assert.True(t, q.IsProjection())

	q = MustParse(`[?_type="P"][=owner->name]`)
	assert.Equal(t, ResultValue, q.ResultType)
	assert.Equal(t, []string{"owner->name"}, q.MapExpressions)

	q = MustParse(`[={n: name}][=age]`)
	assert.Equal(t, ResultValue, q.ResultType)
	assert.Empty(t, q.MapKeys)
	assert.Equal(t, []string{"age"}, q.MapExpressions)

	q = MustParse(`[?_type="P"]`)
	assert.Equal(t, ResultObjects, q.ResultType)
	assert.False(t, q.IsProjection())

	for _, bad := range []string{`[=]`, `[=[a b]]`, `[={a b}]`, `[=[a,`} {
		assert.True(t, Parse(bad, nil).Failed(), bad)
	}
}

func TestProjectValues(t *testing.T) {
	people := map[string]map[string]any{
		"u1": {"name": "Alice", "city": "Oslo"},
	}
	r := ResolverFunc(func(id string) (map[string]any, bool) {
		obj, ok := people[id]
		return obj, ok
	})
	q := MustParse(`[=[name, owner->city, owner->missing, nope->city]]`)
	got := q.ProjectValues(map[string]any{"name": "Rex", "owner": "u1"}, r)
	assert.Equal(t, []any{"Rex", "Oslo", Undefined, Undefined}, got)
}

func TestTokenizer_quotedEscapes(t *testing.T) {
	tok := NewTokenizer(`"x\"y" z`)
	assert.Equal(t, `"x\"y"`, tok.Pop())
	assert.Equal(t, "z", tok.Peek())
	assert.Equal(t, "z", tok.Pop())
	assert.True(t, tok.AtEnd())
	assert.Equal(t, "", tok.Pop())
}

func TestTokenizer_unterminatedString(t *testing.T) {
	tok := NewTokenizer(`[?a="abc]`)
	assert.Equal(t, "[", tok.Pop())
	assert.Equal(t, "?", tok.Pop())
	assert.Equal(t, "a", tok.Pop())
	assert.Equal(t, "=", tok.Pop())
	assert.Equal(t, "", tok.Pop())

	q := Parse(`[?a="abc]`, nil)
	assert.True(t, q.Failed())
}

func TestTokenizer_pushAndIdentifier(t *testing.T) {
	tok := NewTokenizer(`"name" rest`)
	assert.Equal(t, "name", tok.PopIdentifier())
	tok.Push("again")
	assert.Equal(t, "again", tok.Pop())
	assert.Equal(t, "rest", tok.Pop())
}

func TestParse_bindings(t *testing.T) {
	q := Parse(`[?%field = %value][?name =~ %re]`, map[string]any{
		"field": "age",
		"value": 42,
		"re":    "/b*/w",
	})
	require.NoError(t, q.Err())
	require.Len(t, q.Terms, 2)

	term := q.Terms[0].Terms[0]
	assert.Equal(t, "age", term.PropertyName)
	assert.Equal(t, "field", term.PropertyVariable)
	assert.Equal(t, "value", term.Variable)
	assert.Equal(t, float64(42), term.Value)

	re := q.Terms[1].Terms[0]
	assert.True(t, re.Wildcard)
	assert.Equal(t, "b", re.RegexpPrefix())
	assert.True(t, re.Regexp.MatchString("bob"))
	assert.False(t, re.Regexp.MatchString("abob"))
}

func TestParse_unknownOperator(t *testing.T) {
	q := Parse(`[?a ~~ 1]`, nil)
	assert.True(t, q.Failed())
	assert.Empty(t, q.Terms)
	assert.ErrorIs(t, q.Err(), ErrParse)
	assert.False(t, q.Match(map[string]any{"a": 1.0}, nil))
}

func TestParse_literals(t *testing.T) {
	q := MustParse(`[?a = "l\"q"][?b = true][?c = 1.5][?d = null][?e = {x: [1, "y"]}]`)
	require.Len(t, q.Terms, 5)
	assert.Equal(t, `l"q`, q.Terms[0].Terms[0].Value)
	assert.Equal(t, true, q.Terms[1].Terms[0].Value)
	assert.Equal(t, 1.5, q.Terms[2].Terms[0].Value)
	assert.Nil(t, q.Terms[3].Terms[0].Value)
	assert.Equal(t, map[string]any{"x": []any{1.0, "y"}}, q.Terms[4].Terms[0].Value)
}

func TestMatch_operators(t *testing.T) {
	obj := map[string]any{
		"name": "Bob",
		"age":  30.0,
		"tags": []any{"a", "b"},
		"addr": map[string]any{"city": "Oslo"},
		"ok":   true,
	}
	tests := []struct {
		query string
		want  bool
	}{
		{`[?name = "Bob"]`, true},
		{`[?name != "Bob"]`, false},
		{`[?name <> "Al"]`, true},
		{`[?age > 29]`, true},
		{`[?age >= 30]`, true},
		{`[?age < 30]`, false},
		{`[?age <= 30]`, true},
		{`[?age < "z"]`, false},
		{`[?name =~ "/b.b/i"]`, true},
		{`[?name =~ "/b.b/"]`, false},
		{`[?name !=~ "/B.*/"]`, false},
		{`[?name =~ "/B?b/w"]`, true},
		{`[?name exists]`, true},
		{`[?missing exists]`, false},
		{`[?missing notExists]`, true},
		{`[?name in ["Al", "Bob"]]`, true},
		{`[?name notIn ["Al", "Bob"]]`, false},
		{`[?tags contains "b"]`, true},
		{`[?tags notContains "b"]`, false},
		{`[?name startsWith "Bo"]`, true},
		{`[?addr.city = "Oslo"]`, true},
		{`[?tags.1 = "b"]`, true},
		{`[?ok = true][?name = "Al" | age = 30]`, true},
		{`[?ok = true][?name = "Al" | age = 31]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q := Parse(tt.query, nil)
			require.NoError(t, q.Err())
			assert.Equal(t, tt.want, q.Match(obj, nil))
		})
	}
}

func TestMatch_join(t *testing.T) {
	objects := map[string]map[string]any{
		"u1": {"name": "Alice", "boss": "u2"},
		"u2": {"name": "Carol"},
	}
	r := ResolverFunc(func(id string) (map[string]any, bool) {
		o, ok := objects[id]
		return o, ok
	})
	task := map[string]any{"owner": "u1"}

	assert.True(t, MustParse(`[?owner->name = "Alice"]`).Match(task, r))
	assert.True(t, MustParse(`[?owner->boss->name = "Carol"]`).Match(task, r))
	assert.False(t, MustParse(`[?owner->name = "Carol"]`).Match(task, r))
	assert.False(t, MustParse(`[?nobody->name exists]`).Match(task, r))

	assert.Equal(t, "Carol", Project(task, "owner->boss->name", r))
	assert.True(t, IsUndefined(Project(task, "owner->missing", r)))
}

func TestParse_matchedTypesAndDefaults(t *testing.T) {
	q := MustParse(`[?_type = "A" | _type = "B"]`)
	assert.Equal(t, []string{"A", "B"}, q.Types())
	assert.Empty(t, q.OrderTerms)

	q = MustParse(`[count]`)
	assert.Equal(t, []OrderTerm{{PropertyName: TypeField, Ascending: true}}, q.OrderTerms)
	assert.Equal(t, "count", q.Aggregate)
}

func TestOrTerm_propertyNames(t *testing.T) {
	q := MustParse(`[?a = 1 | a = 2 | b = 3]`)
	assert.Equal(t, []string{"a", "b"}, q.Terms[0].PropertyNames())
}
