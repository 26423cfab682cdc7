package jsondb

import (
	"context"
	"strings"
	"testing"
)

func TestDefinitionSchemas(t *testing.T) {
	deepEqual(t, DefinitionTypes(), []string{TypeIndex, TypeMap, TypeReduce, TypeView, TypeSchemaType})

	for _, typ := range DefinitionTypes() {
		data := must(DefinitionSchemaJSON(typ))
		if !strings.Contains(string(data), `"_type"`) {
			t.Errorf("** schema of %s lacks _type:\n%s", typ, data)
		}
	}
	data := string(must(DefinitionSchemaJSON(TypeMap)))
	if !strings.Contains(data, `"targetType"`) || !strings.Contains(data, `"title": "Map"`) {
		t.Errorf("** unexpected Map schema:\n%s", data)
	}

	_, err := DefinitionSchema("Person")
	codeIs(t, err, InvalidType)
}

func TestCUEValidator(t *testing.T) {
	v := NewCUEValidator()
	deepEqual(t, v.HasSchema("Person"), false)
	ensure(v.Validate("Person", Object{"age": "whatever"}))

	ensure(v.SetSchema("Person", `age?: number & >=0`))
	deepEqual(t, v.HasSchema("Person"), true)
	ensure(v.Validate("Person", Object{"_type": "Person", "age": 3.0}))
	if err := v.Validate("Person", Object{"_type": "Person", "age": -1.0}); err == nil {
		t.Errorf("** negative age validated")
	}

	if err := v.SetSchema("Broken", `age: number &`); err == nil {
		t.Errorf("** broken schema compiled")
	}
	v.RemoveSchema("Person")
	deepEqual(t, v.HasSchema("Person"), false)
}

func TestSchemaTypeObject(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	def := create(t, p, Object{"_type": TypeSchemaType, "name": "Person", "schema": `name: string`})[0]
	deepEqual(t, p.e.Schemas().HasSchema("Person"), true)

	_, err := p.Create(ctx, Owner{}, Object{"_type": "Person", "name": 5.0})
	codeIs(t, err, FailedSchemaValidation)

	_, err = p.Create(ctx, Owner{}, Object{"_type": TypeSchemaType, "schema": `x: int`})
	codeIs(t, err, InvalidSchemaOperation)

	must(p.Remove(ctx, Owner{}, Object{"_uuid": def.UUID}))
	deepEqual(t, p.e.Schemas().HasSchema("Person"), false)
	create(t, p, Object{"_type": "Person", "name": 5.0})
}
