package jsondb

import (
	"fmt"

	"github.com/andreyvit/jsondb/query"
)

var reduceUUIDIndexSpec = IndexSpec{
	Name:         FieldReduceUUID,
	PropertyName: FieldReduceUUID,
	PropertyType: PropertyTypeString,
}

// reduceDefinition is a parsed Reduce object. Source objects are grouped by
// a key; add and subtract fold them into one aggregate object per key.
type reduceDefinition struct {
	uuid              string
	target            string
	sourceType        string
	sourceKeyName     string
	sourceKeyFunction string
	add               string
	subtract          string
	targetKeyName     string
	// targetValueName is empty when the aggregate is the whole object.
	targetValueName string
}

func parseReduceDefinition(obj Object) (*reduceDefinition, error) {
	str := func(field string) string {
		s, _ := obj[field].(string)
		return s
	}
	def := &reduceDefinition{
		uuid:              obj.UUID(),
		target:            str("targetType"),
		sourceType:        str("sourceType"),
		sourceKeyName:     str("sourceKeyName"),
		sourceKeyFunction: str("sourceKeyFunction"),
		add:               str("add"),
		subtract:          str("subtract"),
		targetKeyName:     "key",
		targetValueName:   "value",
	}
	if s := str("targetKeyName"); s != "" {
		def.targetKeyName = s
	}
	switch {
	case def.target == "":
		return nil, errorf(InvalidReduce, "targetType property for Reduce not specified")
	case def.sourceType == "":
		return nil, errorf(InvalidReduce, "sourceType property for Reduce not specified")
	case def.sourceType == def.target:
		return nil, errorf(InvalidReduce, "Reduce cannot read from its own target type %s", def.target)
	case def.sourceKeyName == "" && def.sourceKeyFunction == "":
		return nil, errorf(InvalidReduce, "sourceKeyName or sourceKeyFunction must be provided for Reduce")
	case def.sourceKeyName != "" && def.sourceKeyFunction != "":
		return nil, errorf(InvalidReduce, "only one of sourceKeyName and sourceKeyFunction may be provided for Reduce")
	case def.add == "":
		return nil, errorf(InvalidReduce, "add function for Reduce not specified")
	case def.subtract == "":
		return nil, errorf(InvalidReduce, "subtract function for Reduce not specified")
	}
	if v, ok := obj["targetValueName"]; ok {
		switch v := v.(type) {
		case string:
			def.targetValueName = v
		case nil:
			def.targetValueName = ""
		default:
			return nil, errorf(InvalidReduce, "targetValueName for Reduce must be a string or null")
		}
	}
	return def, nil
}

// validateReduceDefinition checks a Reduce object before it is stored.
func (tx *Txn) validateReduceDefinition(obj Object) error {
	def, err := parseReduceDefinition(obj)
	if err != nil {
		return err
	}
	if !tx.isViewType(def.target) {
		return errorf(InvalidReduce, "targetType %s of Reduce must be a view type", def.target)
	}
	for _, other := range tx.objectsOfType(mainTable, TypeReduce) {
		if other.UUID() != def.uuid && other["targetType"] == def.target && other["sourceType"] == def.sourceType && definitionActive(other) {
			return errorf(InvalidReduce, "duplicate Reduce definition on source %s and target %s", def.sourceType, def.target)
		}
	}
	if _, _, _, err := def.compile(tx); err != nil {
		return wrapErr(InvalidReduce, err, "Reduce %s", def.uuid)
	}
	return nil
}

func (def *reduceDefinition) compile(tx *Txn) (add, subtract ReduceFn, key KeyFn, err error) {
	tr := tx.p.e.transforms
	if add, err = tr.reduceFunction(def.add); err != nil {
		return nil, nil, nil, fmt.Errorf("add: %w", err)
	}
	if subtract, err = tr.reduceFunction(def.subtract); err != nil {
		return nil, nil, nil, fmt.Errorf("subtract: %w", err)
	}
	if def.sourceKeyFunction != "" {
		if key, err = tr.keyFunction(def.sourceKeyFunction); err != nil {
			return nil, nil, nil, fmt.Errorf("sourceKeyFunction: %w", err)
		}
	} else {
		path := def.sourceKeyName
		key = func(obj Object) (any, error) { return obj.Get(path), nil }
	}
	return add, subtract, key, nil
}

func (def *reduceDefinition) defUUID() string { return def.uuid }

func (def *reduceDefinition) sourceTypes() []string { return []string{def.sourceType} }

func (def *reduceDefinition) handles(typ string) bool { return typ == def.sourceType }

func (def *reduceDefinition) keyIndexSpec() IndexSpec {
	return IndexSpec{Name: def.targetKeyName, PropertyName: def.targetKeyName, PropertyType: PropertyTypeAny}
}

func (def *reduceDefinition) ensureIndexes(vu *viewUpdate) error {
	if err := vu.ensureIndex(def.keyIndexSpec()); err != nil {
		return err
	}
	return vu.ensureIndex(reduceUUIDIndexSpec)
}

func (def *reduceDefinition) created(vu *viewUpdate) error {
	for _, obj := range vu.sourceObjects(def.sourceType) {
		if err := def.apply(vu, nil, obj); err != nil {
			return err
		}
	}
	return nil
}

// apply subtracts before from the aggregate of its key and adds after to
// the aggregate of its key. A source object whose key changed leaves one
// aggregate and joins another.
func (def *reduceDefinition) apply(vu *viewUpdate, before, after Object) error {
	add, subtract, keyFn, err := def.compile(vu.tx)
	if err != nil {
		return err
	}
	keyOf := func(obj Object) (any, error) {
		if obj == nil {
			return query.Undefined, nil
		}
		k, err := keyFn(obj)
		if err != nil {
			return nil, fmt.Errorf("source key of %s: %w", obj.UUID(), err)
		}
		return query.Normalize(k), nil
	}
	beforeKey, err := keyOf(before)
	if err != nil {
		return err
	}
	afterKey, err := keyOf(after)
	if err != nil {
		return err
	}

	if before != nil && after != nil && !query.Equal(beforeKey, afterKey) {
		if !query.IsUndefined(beforeKey) {
			if err := def.fold(vu, beforeKey, before, nil, add, subtract); err != nil {
				return err
			}
		}
		before = nil
	}
	key := afterKey
	if after == nil {
		key = beforeKey
	}
	if query.IsUndefined(key) {
		return nil
	}
	return def.fold(vu, key, before, after, add, subtract)
}

// fold updates the aggregate of key. An undefined result removes it.
func (def *reduceDefinition) fold(vu *viewUpdate, key any, before, after Object, add, subtract ReduceFn) error {
	previous, err := def.aggregate(vu, key)
	if err != nil {
		return err
	}
	value := query.Undefined
	if previous != nil {
		value = def.valueOf(previous)
	}
	if before != nil {
		if value, err = subtract(key, value, before.Clone()); err != nil {
			return fmt.Errorf("subtract function: %w", err)
		}
	}
	if after != nil {
		if value, err = add(key, value, after.Clone()); err != nil {
			return fmt.Errorf("add function: %w", err)
		}
	}
	if o, ok := value.(Object); ok {
		value = map[string]any(o)
	}
	value = query.Normalize(value)

	if query.IsUndefined(value) {
		if previous != nil {
			return vu.remove(previous)
		}
		return nil
	}

	var out Object
	if def.targetValueName == "" {
		m, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("reduce result for key %s must be an object, got %s", query.Format(key), query.Format(value))
		}
		out = Object(withoutReserved(Object(m)))
	} else {
		out = Object{def.targetValueName: value}
	}
	out[FieldType] = def.target
	out[def.targetKeyName] = key
	out[FieldReduceUUID] = def.uuid
	if previous != nil {
		out[FieldUUID] = previous.UUID()
	} else {
		out[FieldUUID] = generateUUID(def.target + ":" + def.uuid + ":" + idSeed(key))
	}
	if err := vu.write(out); err != nil {
		return fmt.Errorf("writing view object: %w", err)
	}
	return nil
}

// aggregate returns the output of this definition for key, or nil.
func (def *reduceDefinition) aggregate(vu *viewUpdate, key any) (Object, error) {
	keep := func(o Object) bool {
		return o[FieldReduceUUID] == def.uuid && query.Equal(o.Get(def.targetKeyName), key)
	}
	spec := def.keyIndexSpec()
	lookupValue := key
	if _, ok := idxPrefix(vu.tx.index(vu.table, spec.Name), key); !ok {
		spec, lookupValue = reduceUUIDIndexSpec, def.uuid
	}
	found, err := vu.find(spec, lookupValue, keep)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

// valueOf extracts the previous value handed to add and subtract.
func (def *reduceDefinition) valueOf(previous Object) any {
	if def.targetValueName == "" {
		return withoutReserved(previous)
	}
	if v, ok := previous[def.targetValueName]; ok {
		return v
	}
	return query.Undefined
}
