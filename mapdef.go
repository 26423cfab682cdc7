package jsondb

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/andreyvit/jsondb/query"
)

// sourceUUIDsIndexSpec indexes map outputs by the definition and the source
// objects they came from.
var sourceUUIDsIndexSpec = IndexSpec{
	Name:         FieldSourceUUIDs + ".*",
	PropertyName: FieldSourceUUIDs + ".*",
	PropertyType: PropertyTypeString,
}

// mapDefinition is a parsed Map object. Each source type has a transform
// turning its objects into objects of the target view; join transforms may
// read other objects through a Lookup.
type mapDefinition struct {
	uuid          string
	target        string
	targetKeyName string
	join          bool
	functions     map[string]string
}

func parseMapDefinition(obj Object) (*mapDefinition, error) {
	def := &mapDefinition{uuid: obj.UUID()}
	def.target, _ = obj["targetType"].(string)
	if def.target == "" {
		return nil, errorf(InvalidMap, "targetType property for Map not specified")
	}
	if _, ok := obj["sourceType"]; ok {
		return nil, errorf(InvalidMap, "sourceType property for Map is not supported, list source types under map or join")
	}
	mapv, hasMap := obj["map"]
	joinv, hasJoin := obj["join"]
	if hasMap && hasJoin {
		return nil, errorf(InvalidMap, "Map 'join' and 'map' options are mutually exclusive")
	}
	def.join = hasJoin
	option := "map"
	fns := mapv
	if hasJoin {
		option, fns = "join", joinv
	}
	m, ok := fns.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, errorf(InvalidMap, "source types and functions for Map with %s not specified", option)
	}
	def.functions = make(map[string]string, len(m))
	for src, v := range m {
		name, _ := v.(string)
		if name == "" {
			return nil, errorf(InvalidMap, "%s function for source type %q not specified for Map", option, src)
		}
		if src == def.target {
			return nil, errorf(InvalidMap, "Map cannot read from its own target type %s", src)
		}
		def.functions[src] = name
	}
	if v, ok := obj["targetKeyName"]; ok {
		if def.targetKeyName, ok = v.(string); !ok {
			return nil, errorf(InvalidMap, "targetKeyName for Map must be a string")
		}
	}
	return def, nil
}

// validateMapDefinition checks a Map object before it is stored.
func (tx *Txn) validateMapDefinition(obj Object) error {
	def, err := parseMapDefinition(obj)
	if err != nil {
		return err
	}
	if !tx.isViewType(def.target) {
		return errorf(InvalidMap, "targetType %s of Map must be a view type", def.target)
	}
	for _, other := range tx.objectsOfType(mainTable, TypeMap) {
		if other.UUID() == def.uuid || other["targetType"] != def.target || !definitionActive(other) {
			continue
		}
		od, err := parseMapDefinition(other)
		if err != nil {
			continue
		}
		for src := range def.functions {
			if _, dup := od.functions[src]; dup {
				return errorf(InvalidMap, "duplicate Map definition on source %s and target %s", src, def.target)
			}
		}
	}
	for _, src := range def.sourceTypes() {
		if _, err := def.compile(tx, src); err != nil {
			return wrapErr(InvalidMap, err, "Map function for source type %s", src)
		}
	}
	return nil
}

func (def *mapDefinition) defUUID() string { return def.uuid }

func (def *mapDefinition) sourceTypes() []string { return sortedKeys(def.functions) }

func (def *mapDefinition) handles(typ string) bool {
	_, ok := def.functions[typ]
	return ok
}

func (def *mapDefinition) compile(tx *Txn, src string) (JoinFn, error) {
	name := def.functions[src]
	if def.join {
		return tx.p.e.transforms.joinFunction(name)
	}
	fn, err := tx.p.e.transforms.mapFunction(name)
	if err != nil {
		return nil, err
	}
	return func(obj Object, _ Lookup) ([]Object, error) { return fn(obj) }, nil
}

func (def *mapDefinition) ensureIndexes(vu *viewUpdate) error {
	return vu.ensureIndex(sourceUUIDsIndexSpec)
}

func (def *mapDefinition) created(vu *viewUpdate) error {
	for _, src := range def.sourceTypes() {
		for _, obj := range vu.sourceObjects(src) {
			if err := def.apply(vu, nil, obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply replaces the outputs depending on a source object with what its
// transform emits now. Outputs emitted again unchanged are replays and are
// not rewritten.
func (def *mapDefinition) apply(vu *viewUpdate, before, after Object) error {
	src := after
	if src == nil {
		src = before
	}
	id := src.UUID()
	existing, err := vu.find(sourceUUIDsIndexSpec, id, func(o Object) bool {
		deps := sourceUUIDsOf(o)
		return slices.Contains(deps, id) && slices.Contains(deps, def.uuid)
	})
	if err != nil {
		return err
	}

	var emitted []Object
	if after != nil {
		if emitted, err = def.emit(vu.tx, after); err != nil {
			return err
		}
	}

	for _, old := range existing {
		if !slices.ContainsFunc(emitted, func(o Object) bool { return o.UUID() == old.UUID() }) {
			if err := vu.remove(old); err != nil {
				return err
			}
		}
	}
	for _, obj := range emitted {
		if err := vu.write(obj); err != nil {
			return fmt.Errorf("writing view object: %w", err)
		}
	}
	return nil
}

// emit runs the transform of src's type and prepares the emitted objects
// for the view.
func (def *mapDefinition) emit(tx *Txn, src Object) ([]Object, error) {
	fn, err := def.compile(tx, src.Type())
	if err != nil {
		return nil, err
	}
	lookup := &viewLookup{tx: tx}
	out, err := fn(src.Clone(), lookup)
	if err != nil {
		return nil, fmt.Errorf("map function for %s: %w", src.Type(), err)
	}

	identities := make(map[string]int)
	result := make([]Object, 0, len(out))
	for _, o := range out {
		if o == nil {
			continue
		}
		obj := NewObject(o)
		deps := []string{def.uuid, src.UUID()}
		if explicit, ok := obj[FieldSourceUUIDs].([]any); ok && def.join {
			for _, v := range explicit {
				if s, ok := v.(string); ok {
					deps = append(deps, s)
				}
			}
		} else {
			deps = append(deps, lookup.seen...)
		}
		slices.Sort(deps)
		deps = slices.Compact(deps)
		if err := def.decorate(obj, deps, identities); err != nil {
			return nil, err
		}
		result = append(result, obj)
	}
	return result, nil
}

// decorate turns an emitted object into a view object: the target type, its
// provenance and, unless it brings its own, a uuid derived from the target
// type, the provenance and the target key.
func (def *mapDefinition) decorate(obj Object, deps []string, identities map[string]int) error {
	for _, f := range []string{FieldVersion, FieldMeta, FieldOwner, FieldDeleted, FieldIndexValue, FieldReduceUUID, FieldActive, FieldError} {
		delete(obj, f)
	}
	obj[FieldType] = def.target
	arr := make([]any, len(deps))
	for i, d := range deps {
		arr[i] = d
	}
	obj[FieldSourceUUIDs] = arr

	id := obj.UUID()
	if id == "" {
		if v, ok := obj[FieldID]; ok && v != nil {
			id = generateUUID(idSeed(v))
		} else {
			ident := def.target + ":" + strings.Join(deps, ":")
			if def.targetKeyName != "" {
				if k := obj.Get(def.targetKeyName); !query.IsUndefined(k) && k != nil {
					ident += ":" + idSeed(k)
				}
			}
			n := identities[ident]
			identities[ident] = n + 1
			if n > 0 {
				ident += ":" + strconv.Itoa(n)
			}
			id = generateUUID(ident)
		}
	}
	key, err := ParseObjectKey(id)
	if err != nil {
		return err
	}
	obj[FieldUUID] = key.String()
	return nil
}

func sourceUUIDsOf(o Object) []string {
	arr, _ := o[FieldSourceUUIDs].([]any)
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
