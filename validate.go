package jsondb

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// CUEValidator validates objects against per-type CUE schemas. Fields
// starting with an underscore are bookkeeping and are not validated. Types
// without a schema are accepted.
type CUEValidator struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

func NewCUEValidator() *CUEValidator {
	return &CUEValidator{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
}

// compileSchema checks that src is a valid schema.
func compileSchema(ctx *cue.Context, typeName, src string) (cue.Value, error) {
	v := ctx.CompileString(src, cue.Filename(typeName+".cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, errorf(InvalidSchemaOperation, "schema for %s: %v", typeName, err)
	}
	return v, nil
}

// SetSchema registers or replaces the schema of a type.
func (v *CUEValidator) SetSchema(typeName, src string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	schema, err := compileSchema(v.ctx, typeName, src)
	if err != nil {
		return err
	}
	v.schemas[typeName] = schema
	return nil
}

func (v *CUEValidator) RemoveSchema(typeName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.schemas, typeName)
}

func (v *CUEValidator) HasSchema(typeName string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.schemas[typeName]
	return ok
}

func (v *CUEValidator) Validate(typeName string, obj Object) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	schema, ok := v.schemas[typeName]
	if !ok {
		return nil
	}
	doc := v.ctx.Encode(withoutReserved(obj))
	if err := doc.Err(); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}
