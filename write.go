package jsondb

import (
	"context"
	"fmt"
	"time"

	"cuelang.org/go/cue/cuecontext"
	json "github.com/goccy/go-json"

	"github.com/andreyvit/jsondb/query"
)

// WrittenObject identifies the stored version of one written object.
type WrittenObject struct {
	UUID    string `json:"_uuid"`
	Version string `json:"_version"`
}

type WriteResult struct {
	StateNumber uint32          `json:"stateNumber"`
	Items       []WrittenObject `json:"items"`
}

// UpdateObjects writes a batch of objects in one transaction. An object with
// _deleted set is removed. Any failure aborts the whole batch.
func (p *Partition) UpdateObjects(ctx context.Context, owner Owner, objs []Object, mode WriteMode) (*WriteResult, error) {
	if mode > ReplicatedWrite || mode < OptimisticWrite {
		return nil, errorf(InvalidRequest, "invalid write mode %v", mode)
	}
	if len(objs) == 0 {
		return nil, errorf(InvalidRequest, "no objects to write")
	}
	start := time.Now()
	tx, err := p.Begin(ctx)
	if err != nil {
		return nil, err
	}
	initial := tx.tableState(mainTable)
	items := make([]WrittenObject, 0, len(objs))
	err = safelyCall(func() error {
		for _, obj := range objs {
			w, err := tx.Write(owner, obj, mode)
			if err != nil {
				return err
			}
			items = append(items, w)
		}
		return nil
	})
	if err != nil {
		tx.Abort()
		p.e.metrics.writeFailed(p.name)
		return nil, asDatabaseError(err, "write")
	}
	if err := tx.Commit(0); err != nil {
		return nil, err
	}
	p.e.metrics.write(p.name, len(objs), time.Since(start))

	state := tx.StateNumber()
	if state == 0 {
		state = initial
	}
	return &WriteResult{StateNumber: state, Items: items}, nil
}

// Create writes new objects; a uuid is assigned to those without one.
func (p *Partition) Create(ctx context.Context, owner Owner, objs ...Object) (*WriteResult, error) {
	return p.UpdateObjects(ctx, owner, objs, OptimisticWrite)
}

// Update writes objects carrying the version they were read at.
func (p *Partition) Update(ctx context.Context, owner Owner, objs ...Object) (*WriteResult, error) {
	return p.UpdateObjects(ctx, owner, objs, OptimisticWrite)
}

// Remove turns the objects into tombstones. Only _uuid and, optionally,
// _version are consulted.
func (p *Partition) Remove(ctx context.Context, owner Owner, objs ...Object) (*WriteResult, error) {
	tombs := make([]Object, len(objs))
	for i, o := range objs {
		t := Object{FieldDeleted: true}
		if v, ok := o[FieldUUID]; ok {
			t[FieldUUID] = v
		}
		if v, ok := o[FieldVersion]; ok {
			t[FieldVersion] = v
		}
		tombs[i] = t
	}
	return p.UpdateObjects(ctx, owner, tombs, OptimisticWrite)
}

// Write stores one object within the scope: assigns the uuid, checks access,
// validation, version and quota, and applies the side effects of reserved
// types.
func (tx *Txn) Write(owner Owner, input Object, mode WriteMode) (WrittenObject, error) {
	tx.mustWrite()
	p := tx.p
	obj := NewObject(input)
	if obj == nil {
		return WrittenObject{}, errorf(InvalidRequest, "missing object")
	}
	delete(obj, FieldIndexValue)

	id := obj.UUID()
	if id == "" {
		if obj.Deleted() {
			return WrittenObject{}, errorf(MissingUUID, "cannot remove an object without _uuid")
		}
		var seed string
		if v, ok := obj[FieldID]; ok && v != nil {
			seed = idSeed(v)
		}
		id = generateUUID(seed)
	}
	key, err := ParseObjectKey(id)
	if err != nil {
		return WrittenObject{}, err
	}
	obj[FieldUUID] = key.String()

	typ := obj.Type()
	var table string
	switch {
	case typ != "":
		table = p.tableForType(typ)
		if tx.isViewType(typ) != (mode == viewObjectWrite) {
			if mode == viewObjectWrite {
				panic(fmt.Sprintf("jsondb: view write of non-view type %q", typ))
			}
			return WrittenObject{}, errorf(InvalidType, "objects of view type %s are maintained by their definitions", typ)
		}
		if _, isString := obj[FieldType].(string); !isString {
			return WrittenObject{}, errorf(MissingType, "_type must be a string")
		}
	case obj.Deleted():
		table = tx.tableOf(key)
		if table != mainTable && mode != viewObjectWrite {
			return WrittenObject{}, errorf(InvalidType, "object %s belongs to a view and cannot be removed directly", key)
		}
	default:
		return WrittenObject{}, errorf(MissingType, "object %s has no _type", key)
	}
	if err := tx.prepare(table); err != nil {
		return WrittenObject{}, err
	}

	oldRaw := tx.getRaw(table, key)
	var stored Object
	if oldRaw != nil {
		if stored, err = decodeObject(oldRaw); err != nil {
			return WrittenObject{}, tableErrf(table, "", key[:], err, "decode")
		}
	}

	if obj.Deleted() {
		if !stored.Live() {
			return WrittenObject{}, errorf(MissingObject, "object %s not found", key)
		}
		tomb := Object{FieldUUID: key.String(), FieldType: stored.Type(), FieldDeleted: true}
		if o := stored.Owner(); o != "" {
			tomb[FieldOwner] = o
		}
		if v, ok := obj[FieldVersion]; ok {
			tomb[FieldVersion] = v
		} else {
			tomb[FieldVersion] = stored.Version()
		}
		obj = tomb
		typ = stored.Type()
	}

	ac := p.e.conf.AccessControl
	requested, _ := obj[FieldOwner].(string)
	switch {
	case requested != "" && requested != owner.ID && (stored == nil || requested != stored.Owner()):
		if !ac.IsAllowed(owner, obj, p.name, "setOwner") {
			return WrittenObject{}, errorf(OperationNotPermitted, "cannot assign owner %q to %s", requested, key)
		}
	case requested != "":
	case stored != nil && stored.Owner() != "":
		obj[FieldOwner] = stored.Owner()
	case !owner.IsSystem():
		obj[FieldOwner] = owner.ID
	default:
		delete(obj, FieldOwner)
	}

	if mode != viewObjectWrite {
		if !ac.IsAllowed(owner, obj, p.name, "write") || stored.Live() && !ac.IsAllowed(owner, stored, p.name, "write") {
			return WrittenObject{}, errorf(OperationNotPermitted, "write of %s not permitted", key)
		}
		if !obj.Deleted() && table == mainTable {
			if err := tx.checkBuiltin(stored, obj); err != nil {
				return WrittenObject{}, err
			}
			if err := p.e.validate(typ, obj); err != nil {
				return WrittenObject{}, wrapErr(FailedSchemaValidation, err, "object %s of type %s", key, typ)
			}
		}
	}

	result, replay, err := resolveVersion(stored, obj, mode)
	if err != nil {
		return WrittenObject{}, err
	}
	if replay {
		return WrittenObject{UUID: key.String(), Version: stored.Version()}, nil
	}

	if owner.Quota > 0 {
		delta := len(encodeObject(result)) - len(oldRaw)
		if !p.e.conf.Quota.CheckQuota(owner, delta) {
			return WrittenObject{}, errorf(QuotaExceeded, "quota of %s exceeded by writing %s", owner.ID, key)
		}
	}

	tx.storeObject(table, key, stored, oldRaw, result)

	if table == mainTable {
		if err := tx.applyBuiltin(stored, result); err != nil {
			return WrittenObject{}, err
		}
	}
	return WrittenObject{UUID: key.String(), Version: result.Version()}, nil
}

// idSeed is the text a deterministic uuid is derived from.
func idSeed(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return query.Format(v)
}

// tableOf finds the table holding a live object, defaulting to main.
func (tx *Txn) tableOf(key ObjectKey) string {
	if obj, _ := tx.getObject(mainTable, key); obj.Live() {
		return mainTable
	}
	for _, typ := range tx.p.ViewTypes() {
		table := viewTableName(typ)
		if obj, _ := tx.getObject(table, key); obj.Live() {
			return table
		}
	}
	return mainTable
}

// checkBuiltin validates writes of reserved types before they are stored.
func (tx *Txn) checkBuiltin(stored, obj Object) error {
	switch obj.Type() {
	case TypeIndex:
		spec, err := indexSpecOf(obj)
		if err != nil {
			return err
		}
		if stored.Live() && stored.Type() == TypeIndex {
			old, err := indexSpecOf(stored)
			if err == nil && old.Name == spec.Name && !sameIndexIdentity(&old, &spec) {
				return errorf(InvalidIndexOperation, "index %q: propertyName, propertyFunction, propertyType and objectType cannot be changed", spec.Name)
			}
		}
		if _, err := tx.p.tableForTypes(spec.ObjectType); err != nil {
			return wrapErr(InvalidIndexOperation, err, "index %q", spec.Name)
		}
	case TypeMap:
		return tx.validateMapDefinition(obj)
	case TypeReduce:
		return tx.validateReduceDefinition(obj)
	case TypeView:
		name, _ := obj["name"].(string)
		if name == "" {
			return errorf(InvalidRequest, "View needs a name")
		}
		if isReservedType(name) {
			return errorf(InvalidType, "%s cannot be a view type", name)
		}
	case TypeSchemaType:
		name, _ := obj["name"].(string)
		src, _ := obj["schema"].(string)
		if name == "" {
			return errorf(InvalidSchemaOperation, "_schemaType needs a name")
		}
		if _, err := compileSchema(cuecontext.New(), name, src); err != nil {
			return err
		}
	}
	return nil
}

func isReservedType(typ string) bool {
	switch typ {
	case TypeIndex, TypeMap, TypeReduce, TypeView, TypeSchemaType:
		return true
	}
	return false
}

// applyBuiltin performs the side effects of a stored reserved-type object.
func (tx *Txn) applyBuiltin(before, after Object) error {
	if !before.Live() {
		before = nil
	}
	if !after.Live() {
		after = nil
	}
	if before != nil && before.Type() == TypeIndex || after != nil && after.Type() == TypeIndex {
		return tx.applyIndexObject(before, after)
	}
	if after != nil && after.Type() == TypeView {
		if tx.pendingViews == nil {
			tx.pendingViews = make(map[string]bool)
		}
		tx.pendingViews[after["name"].(string)] = true
	}
	return nil
}

func (tx *Txn) applyIndexObject(before, after Object) error {
	var oldSpec, newSpec *IndexSpec
	if before != nil && before.Type() == TypeIndex {
		if spec, err := indexSpecOf(before); err == nil {
			oldSpec = &spec
		}
	}
	if after != nil && after.Type() == TypeIndex {
		spec, err := indexSpecOf(after)
		if err != nil {
			return err
		}
		newSpec = &spec
	}
	if oldSpec != nil {
		oldTable, err := tx.p.tableForTypes(oldSpec.ObjectType)
		if err != nil {
			return err
		}
		newTable := ""
		if newSpec != nil {
			newTable = must(tx.p.tableForTypes(newSpec.ObjectType))
		}
		if newSpec == nil || newSpec.Name != oldSpec.Name || newTable != oldTable {
			if err := tx.removeIndex(oldTable, oldSpec.Name); err != nil {
				return err
			}
		}
	}
	if newSpec != nil {
		table, err := tx.p.tableForTypes(newSpec.ObjectType)
		if err != nil {
			return err
		}
		tx.ensureTable(table)
		if _, err := tx.addIndex(table, *newSpec); err != nil {
			return err
		}
	}
	return nil
}

// indexSpecOf reads an IndexSpec from an Index object. objectType may be a
// single string.
func indexSpecOf(obj Object) (IndexSpec, error) {
	fields := withoutReserved(obj)
	if s, ok := fields["objectType"].(string); ok {
		fields["objectType"] = []any{s}
	}
	var spec IndexSpec
	data, err := json.Marshal(fields)
	if err == nil {
		err = json.Unmarshal(data, &spec)
	}
	if err != nil {
		return spec, wrapErr(InvalidIndexOperation, err, "invalid Index object %s", obj.UUID())
	}
	spec.normalize()
	if err := spec.validate(); err != nil {
		return spec, err
	}
	return spec, nil
}

// sameIndexIdentity ignores the collation options, which may change.
func sameIndexIdentity(a, b *IndexSpec) bool {
	x, y := *a, *b
	x.Locale, x.Collation, x.CaseSensitive, x.CasePreference = "", "", nil, ""
	y.Locale, y.Collation, y.CaseSensitive, y.CasePreference = "", "", nil, ""
	return x.sameStructure(&y)
}
