package jsondb

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func setupPeople(t *testing.T) (*Partition, map[string]string) {
	p := setup(t)
	ids := make(map[string]string)
	for _, obj := range []Object{
		{"_type": "Person", "name": "Alice", "age": 30.0, "city": "Oslo"},
		{"_type": "Person", "name": "Bob", "age": 25.0, "city": "Bergen"},
		{"_type": "Person", "name": "Carol", "age": 35.0, "city": "Oslo"},
		{"_type": "Person", "name": "Dave", "city": "Oslo"},
	} {
		ids[obj["name"].(string)] = create(t, p, obj)[0].UUID
	}
	create(t, p,
		Object{"_type": "Pet", "name": "Rex", "owner": ids["Alice"]},
		Object{"_type": "Pet", "name": "Fido", "owner": ids["Bob"]},
	)
	return p, ids
}

func sortedStrs(r *QueryResult, prop string) []string {
	return slices.Sorted(slices.Values(strs(r, prop)))
}

func TestQueryOrderedByIndex(t *testing.T) {
	p, _ := setupPeople(t)

	r := find(t, p, `[?_type="Person"][/name]`)
	deepEqual(t, strs(r, "name"), []string{"Alice", "Bob", "Carol", "Dave"})
	deepEqual(t, r.IndexName, "name")
	deepEqual(t, r.Data[0][FieldIndexValue], any("Alice"))
	deepEqual(t, r.State, stateOf(t, p))

	r = find(t, p, `[?_type="Person"][>name]`)
	deepEqual(t, strs(r, "name"), []string{"Alice", "Bob", "Carol", "Dave"})

	// objects without the property are not part of an ordered result
	r = find(t, p, `[?_type="Person"][\age]`)
	deepEqual(t, strs(r, "name"), []string{"Carol", "Alice", "Bob"})
	deepEqual(t, r.IndexName, "age")

	names := make([]string, 0)
	for _, spec := range must(p.Indexes(context.Background())) {
		names = append(names, spec.Name)
	}
	if !slices.Contains(names, "name") || !slices.Contains(names, "age") {
		t.Errorf("** got indexes %v, wanted name and age among them", names)
	}
}

func TestQueryRangeFilter(t *testing.T) {
	p, _ := setupPeople(t)

	r := find(t, p, `[?_type="Person"][?age>26]`)
	deepEqual(t, strs(r, "name"), []string{"Alice", "Carol"})
	deepEqual(t, r.IndexName, "age")

	r = find(t, p, `[?_type="Person"][?age<=30][?age>=25]`)
	deepEqual(t, strs(r, "name"), []string{"Bob", "Alice"})
}

func TestQueryOperators(t *testing.T) {
	p, _ := setupPeople(t)

	tests := []struct {
		q     string
		names []string
	}{
		{`[?_type="Person"][?name=~"/a.*/i"]`, []string{"Alice"}},
		{`[?_type="Person"][?name=~"/*o*/w"]`, []string{"Bob", "Carol"}},
		{`[?_type="Person"][?name!=~"/*o*/w"]`, []string{"Alice", "Dave"}},
		{`[?_type="Person"][?city in ["Bergen"]]`, []string{"Bob"}},
		{`[?_type="Person"][?city notIn ["Bergen"]]`, []string{"Alice", "Carol", "Dave"}},
		{`[?_type="Person"][?name startsWith "Ca"]`, []string{"Carol"}},
		{`[?_type="Person"][?age notExists]`, []string{"Dave"}},
		{`[?_type="Person"][?age exists]`, []string{"Alice", "Bob", "Carol"}},
		{`[?_type="Person"][?city!="Oslo"]`, []string{"Bob"}},
		{`[?_type="Person"][?city="Bergen"|age>34]`, []string{"Bob", "Carol"}},
		{`[?_type in ["Person","Pet"]][?name startsWith "R"]`, []string{"Rex"}},
		{`[?_type="Pet"][?owner->city="Oslo"]`, []string{"Rex"}},
		{`[?_type="Pet"][?owner->name!="Alice"]`, []string{"Fido"}},
	}
	for _, tt := range tests {
		r := find(t, p, tt.q)
		if got := sortedStrs(r, "name"); !slices.Equal(got, tt.names) {
			t.Errorf("** %s: got %v, wanted %v", tt.q, got, tt.names)
		}
	}
}

func TestQueryByUUID(t *testing.T) {
	p, ids := setupPeople(t)
	r := find(t, p, `[?_uuid="`+ids["Bob"]+`"]`)
	deepEqual(t, strs(r, "name"), []string{"Bob"})

	r = find(t, p, `[?_uuid="not-a-uuid"]`)
	deepEqual(t, r.Length, 0)
}

func TestQueryBindings(t *testing.T) {
	p, _ := setupPeople(t)
	r := must(p.Query(context.Background(), Owner{}, `[?_type="Person"][?age>%min]`, map[string]any{"min": 30.0}, -1, 0))
	deepEqual(t, strs(r, "name"), []string{"Carol"})

	_, err := p.Query(context.Background(), Owner{}, `[?_type="Person"][?age>%missing]`, nil, -1, 0)
	codeIs(t, err, MissingQuery)
}

func TestQueryCountAndPaging(t *testing.T) {
	ctx := context.Background()
	p, _ := setupPeople(t)

	r := find(t, p, `[?_type="Person"][count]`)
	deepEqual(t, r.Data, []Object{{"count": 4.0}})
	deepEqual(t, r.Length, 1)

	r = must(p.Query(ctx, Owner{}, `[?_type="Person"][/name]`, nil, 2, 1))
	deepEqual(t, strs(r, "name"), []string{"Bob", "Carol"})
	deepEqual(t, r.Length, 2)
	deepEqual(t, r.Offset, 1)

	r = must(p.Query(ctx, Owner{}, `[?_type="Person"][/name]`, nil, 0, 0))
	deepEqual(t, r.Length, 0)

	r = must(p.Query(ctx, Owner{}, `[?_type="Person"][/name]`, nil, -1, 10))
	deepEqual(t, r.Length, 0)

	r = must(p.Query(ctx, Owner{}, `[?_type="Person"][count]`, nil, -1, 1))
	deepEqual(t, r.Data[0]["count"], any(3.0))
}

func TestQueryAll(t *testing.T) {
	p, _ := setupPeople(t)
	r := find(t, p, `[*]`)
	deepEqual(t, r.Length, 6)
	// ordered by type
	deepEqual(t, r.Data[0]["_type"], any("Person"))
	deepEqual(t, r.Data[5]["_type"], any("Pet"))
}

func TestQueryResidualSortByJoin(t *testing.T) {
	p, _ := setupPeople(t)
	r := find(t, p, `[?_type="Pet"][\owner->name]`)
	deepEqual(t, strs(r, "name"), []string{"Fido", "Rex"})
	r = find(t, p, `[?_type="Pet"][/owner->name]`)
	deepEqual(t, strs(r, "name"), []string{"Rex", "Fido"})
}

func TestQueryProjection(t *testing.T) {
	p, _ := setupPeople(t)
	r := find(t, p, `[?_type="Pet"][/name][={n:name, o:owner->name, c:owner->city, x:missing}]`)
	deepEqual(t, r.Data, []Object{
		{"n": "Fido", "o": "Bob", "c": "Bergen"},
		{"n": "Rex", "o": "Alice", "c": "Oslo"},
	})
}

func TestQueryListAndValueProjections(t *testing.T) {
	p, _ := setupPeople(t)

	r := find(t, p, `[?_type="Pet"][/name][=[name, owner->city, owner->age, missing]]`)
	isempty(t, r.Data)
	deepEqual(t, r.Length, 2)
	deepEqual(t, r.Values, []any{
		[]any{"Fido", "Bergen", 25.0, nil},
		[]any{"Rex", "Oslo", 30.0, nil},
	})

	r = find(t, p, `[?_type="Person"][\age][=name]`)
	deepEqual(t, r.Values, []any{"Carol", "Alice", "Bob"})

	r = must(p.Query(context.Background(), Owner{}, `[?_type="Pet"][/name][=owner->name]`, nil, 1, 1))
	deepEqual(t, r.Values, []any{"Alice"})
	deepEqual(t, r.Length, 1)

	// count ignores the shape
	r = find(t, p, `[?_type="Person"][=name][count]`)
	deepEqual(t, r.Data, []Object{{"count": 4.0}})
	deepEqual(t, r.Values == nil, true)

	r = find(t, p, `[?_type="Nothing"][=name]`)
	deepEqual(t, r.Values, []any{})
	data := string(must(json.Marshal(r)))
	if !strings.HasPrefix(data, `{"data":[],"length":0,`) {
		t.Errorf("** got %s, wanted empty data", data)
	}
}

func TestQueryResultJSON(t *testing.T) {
	p, _ := setupPeople(t)
	r := find(t, p, `[?_type="Person"][/name][=[name, age]]`)
	deepEqual(t, string(must(json.Marshal(r))),
		`{"data":[["Alice",30],["Bob",25],["Carol",35],["Dave",null]],"length":4,"offset":0,"stateNumber":5,"indexName":"name"}`)

	r = find(t, p, `[?_type="Person"][/name][={n:name}]`)
	deepEqual(t, string(must(json.Marshal(r))),
		`{"data":[{"n":"Alice"},{"n":"Bob"},{"n":"Carol"},{"n":"Dave"}],"length":4,"offset":0,"stateNumber":5,"indexName":"name"}`)
}

func TestQueryExplicitIndex(t *testing.T) {
	ctx := context.Background()
	p, _ := setupPeople(t)

	ensure(p.AddIndex(ctx, IndexSpec{Name: "byCity", PropertyName: "city", PropertyType: PropertyTypeString, ObjectType: []string{"Person"}}))
	r := find(t, p, `[?_type="Person"][?city="Oslo"]`)
	deepEqual(t, r.IndexName, "byCity")
	deepEqual(t, sortedStrs(r, "name"), []string{"Alice", "Carol", "Dave"})

	ensure(p.RemoveIndex(ctx, "byCity"))
	for _, spec := range must(p.Indexes(ctx)) {
		if spec.Name == "byCity" {
			t.Errorf("** byCity still listed after removal")
		}
	}
}

func TestQueryInvalid(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	for _, text := range []string{``, `[?a ~~ 1]`, `[?a="x"`, `name="x"`} {
		_, err := p.Query(ctx, Owner{}, text, nil, -1, 0)
		codeIs(t, err, MissingQuery)
	}
}

func TestQueryAccessControl(t *testing.T) {
	p := setupWith(t, Config{
		AccessControl: AccessControlFunc(func(owner Owner, obj Object, partition, op string) bool {
			return op != "read" || obj["secret"] != true || owner.ID == "admin"
		}),
	})
	create(t, p,
		Object{"_type": "Note", "text": "a"},
		Object{"_type": "Note", "text": "b", "secret": true},
	)
	r := must(p.Query(context.Background(), Owner{}, `[?_type="Note"][count]`, nil, -1, 0))
	deepEqual(t, r.Data[0]["count"], any(1.0))
	r = must(p.Query(context.Background(), Owner{ID: "admin"}, `[?_type="Note"][count]`, nil, -1, 0))
	deepEqual(t, r.Data[0]["count"], any(2.0))
}

func TestQuerySecondaryOrderIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	p := setupWith(t, Config{Logger: slog.New(slog.NewTextHandler(&buf, nil))})
	create(t, p,
		Object{"_type": "Person", "name": "Carol", "city": "Oslo"},
		Object{"_type": "Person", "name": "Bob", "city": "Bergen"},
		Object{"_type": "Person", "name": "Alice", "city": "Oslo"},
		Object{"_type": "Person", "name": "Dave", "city": "Oslo"},
	)

	for range 2 {
		r := find(t, p, `[?_type="Person"][/city][/name]`)
		deepEqual(t, strs(r, "city"), []string{"Bergen", "Oslo", "Oslo", "Oslo"})
		deepEqual(t, sortedStrs(r, "name"), []string{"Alice", "Bob", "Carol", "Dave"})
		if !strings.Contains(r.Plan, "ignoring order by name") {
			t.Errorf("** got plan %q, wanted it to mention the ignored order", r.Plan)
		}
	}
	deepEqual(t, strings.Count(buf.String(), "sorting by more than one property"), 1)
	if !strings.Contains(buf.String(), "level=ERROR") {
		t.Errorf("** got log %q, wanted an error", buf.String())
	}

	find(t, p, `[?_type="Person"][\city][/name]`)
	deepEqual(t, strings.Count(buf.String(), "sorting by more than one property"), 2)
}
