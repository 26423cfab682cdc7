package jsondb

import (
	"bytes"
	"slices"
	"strings"

	"github.com/andreyvit/jsondb/query"
)

// IndexSpec defines a secondary index. Exactly one of PropertyName and
// PropertyFunction is set. A PropertyName ending in ".*" indexes every
// element of an array.
type IndexSpec struct {
	Name             string   `msgpack:"name" json:"name"`
	PropertyName     string   `msgpack:"propertyName,omitempty" json:"propertyName,omitempty"`
	PropertyFunction string   `msgpack:"propertyFunction,omitempty" json:"propertyFunction,omitempty" jsonschema:"description=name of a registered key function or a CUE expression"`
	PropertyType     string   `msgpack:"propertyType,omitempty" json:"propertyType,omitempty" jsonschema:"enum=string,enum=number,enum=integer,enum=any"`
	ObjectType       []string `msgpack:"objectType,omitempty" json:"objectType,omitempty"`
	Locale           string   `msgpack:"locale,omitempty" json:"locale,omitempty"`
	Collation        string   `msgpack:"collation,omitempty" json:"collation,omitempty" jsonschema:"enum=,enum=loose,enum=numeric"`
	CaseSensitive    *bool    `msgpack:"caseSensitive,omitempty" json:"caseSensitive,omitempty"`
	CasePreference   string   `msgpack:"casePreference,omitempty" json:"casePreference,omitempty" jsonschema:"enum=,enum=upper,enum=lower"`
}

const typeIndexName = query.TypeField

var typeIndexSpec = IndexSpec{Name: typeIndexName, PropertyName: query.TypeField, PropertyType: PropertyTypeString}

func (s *IndexSpec) isCollated() bool {
	return s.Locale != "" || s.Collation != "" || !s.isCaseSensitive()
}

func (s *IndexSpec) isCaseSensitive() bool {
	return s.CaseSensitive == nil || *s.CaseSensitive
}

func (s *IndexSpec) normalize() {
	if s.PropertyType == "" {
		s.PropertyType = PropertyTypeString
	}
	if s.Name == "" {
		s.Name = s.PropertyName
	}
	if len(s.ObjectType) == 0 {
		s.ObjectType = nil
	} else {
		s.ObjectType = slices.Clone(s.ObjectType)
		slices.Sort(s.ObjectType)
		s.ObjectType = slices.Compact(s.ObjectType)
	}
}

func (s *IndexSpec) validate() error {
	if (s.PropertyName == "") == (s.PropertyFunction == "") {
		return errorf(InvalidIndexOperation, "index %q needs exactly one of propertyName and propertyFunction", s.Name)
	}
	if s.Name == "" {
		return errorf(InvalidIndexOperation, "index with propertyFunction needs a name")
	}
	if strings.Contains(s.PropertyName, "->") {
		return errorf(InvalidIndexOperation, "index %q: joins cannot be indexed", s.Name)
	}
	switch s.PropertyType {
	case PropertyTypeString, PropertyTypeNumber, PropertyTypeInteger, PropertyTypeAny:
	default:
		return errorf(InvalidIndexOperation, "index %q: invalid propertyType %q", s.Name, s.PropertyType)
	}
	switch s.Collation {
	case "", "loose", "numeric":
	default:
		return errorf(InvalidIndexOperation, "index %q: invalid collation %q", s.Name, s.Collation)
	}
	if s.isCollated() && s.PropertyType != PropertyTypeString {
		return errorf(InvalidIndexOperation, "index %q: collation requires propertyType string", s.Name)
	}
	return nil
}

// sameStructure reports whether two specs produce identical index contents.
func (s *IndexSpec) sameStructure(o *IndexSpec) bool {
	return s.PropertyName == o.PropertyName &&
		s.PropertyFunction == o.PropertyFunction &&
		s.PropertyType == o.PropertyType &&
		slices.Equal(s.ObjectType, o.ObjectType) &&
		s.Locale == o.Locale &&
		s.Collation == o.Collation &&
		s.isCaseSensitive() == o.isCaseSensitive() &&
		s.CasePreference == o.CasePreference
}

// covers reports whether every object of the given types is in scope.
func (s *IndexSpec) covers(types []string) bool {
	if s.ObjectType == nil {
		return true
	}
	if len(types) == 0 {
		return false
	}
	for _, t := range types {
		if _, found := slices.BinarySearch(s.ObjectType, t); !found {
			return false
		}
	}
	return true
}

// index is the compiled form of a spec.
type index struct {
	spec   IndexSpec
	bucket string
	enc    *keyEncoder
	path   string
	multi  bool
	fn     KeyFn
}

func compileIndex(spec IndexSpec, maxUnits int, fn KeyFn) *index {
	idx := &index{
		spec:   spec,
		bucket: indexBucketPrefix + spec.Name,
		enc:    newKeyEncoder(&spec, maxUnits),
		fn:     fn,
	}
	idx.path, idx.multi = strings.CutSuffix(spec.PropertyName, ".*")
	return idx
}

func (idx *index) name() string { return idx.spec.Name }

// values returns the field values o contributes to the index.
func (idx *index) values(o Object) []FieldValue {
	if !o.Live() {
		return nil
	}
	if idx.spec.ObjectType != nil {
		if _, found := slices.BinarySearch(idx.spec.ObjectType, o.Type()); !found {
			return nil
		}
	}
	var raw any
	if idx.spec.PropertyFunction != "" {
		if idx.fn == nil {
			return nil
		}
		v, err := idx.fn(o)
		if err != nil {
			return nil
		}
		raw = query.Normalize(v)
	} else {
		raw = o.Get(idx.path)
	}
	if query.IsUndefined(raw) {
		return nil
	}
	if idx.multi {
		arr, ok := raw.([]any)
		if !ok {
			return nil
		}
		var result []FieldValue
		for _, e := range arr {
			if fv, ok := makeFieldValue(e, idx.spec.PropertyType); ok {
				result = append(result, fv)
			}
		}
		return result
	}
	if fv, ok := makeFieldValue(raw, idx.spec.PropertyType); ok {
		return []FieldValue{fv}
	}
	return nil
}

func (idx *index) keys(key ObjectKey, o Object) [][]byte {
	var result [][]byte
	for _, fv := range idx.values(o) {
		k := idx.enc.forwardKey(fv, key)
		if !slices.ContainsFunc(result, func(e []byte) bool { return bytes.Equal(e, k) }) {
			result = append(result, k)
		}
	}
	return result
}

// valuePrefix is the key prefix shared by every entry holding v.
func (idx *index) valuePrefix(v any) ([]byte, bool) {
	fv, ok := makeFieldValue(v, idx.spec.PropertyType)
	if !ok {
		return nil, false
	}
	return idx.enc.appendValue(nil, &fv), true
}

// indexes returns the compiled indexes of a table.
func (tx *Txn) indexes(table string) []*index {
	meta := tx.metaBucket(table, false)
	if meta == nil {
		return nil
	}
	var result []*index
	prefix := []byte(metaIndexPrefix)
	c := meta.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		result = append(result, tx.p.compiledIndex(table, v))
	}
	return result
}

func (tx *Txn) index(table, name string) *index {
	meta := tx.metaBucket(table, false)
	if meta == nil {
		return nil
	}
	v := meta.Get([]byte(metaIndexPrefix + name))
	if v == nil {
		return nil
	}
	return tx.p.compiledIndex(table, v)
}

// compiledIndex caches compiled indexes by their encoded spec.
func (p *Partition) compiledIndex(table string, rawSpec []byte) *index {
	cacheKey := table + "\x00" + string(rawSpec)
	if idx, ok := p.indexCache.Load(cacheKey); ok {
		return idx
	}
	var spec IndexSpec
	ensure(decodeValue(rawSpec, &spec))
	var fn KeyFn
	if spec.PropertyFunction != "" {
		var err error
		fn, err = p.e.transforms.keyFunction(spec.PropertyFunction)
		if err != nil {
			p.logger.Warn("jsondb: index function unavailable", "index", spec.Name, "err", err)
		}
	}
	idx := compileIndex(spec, p.e.conf.IndexFieldValueSize, fn)
	p.indexCache.Store(cacheKey, idx)
	return idx
}

func (tx *Txn) indexTag(table, name string) uint32 {
	return getUint32(tx.metaBucket(table, false), metaIndexStatePrefix+name)
}

func (tx *Txn) setIndexTag(table, name string, tag uint32) {
	putUint32(tx.metaBucket(table, true), metaIndexStatePrefix+name, tag)
}

// bumpIndexTags moves the indexes that were maintained during the scope
// along with their table.
func (tx *Txn) bumpIndexTags(table string, old, target uint32) {
	for _, idx := range tx.indexes(table) {
		if tx.indexTag(table, idx.name()) == old {
			tx.setIndexTag(table, idx.name(), target)
		}
	}
}

// reindexObject replaces the entries of old by those of obj.
func (tx *Txn) reindexObject(table string, idx *index, key ObjectKey, old, obj Object) {
	oldKeys := idx.keys(key, old)
	newKeys := idx.keys(key, obj)
	if len(oldKeys) == 0 && len(newKeys) == 0 {
		return
	}
	b := tx.bucket(table, idx.bucket, true)
	for _, k := range oldKeys {
		if !slices.ContainsFunc(newKeys, func(e []byte) bool { return bytes.Equal(e, k) }) {
			ensure(b.Delete(k))
		}
	}
	for _, k := range newKeys {
		if !slices.ContainsFunc(oldKeys, func(e []byte) bool { return bytes.Equal(e, k) }) {
			ensure(b.Put(k, key[:]))
		}
	}
}

// ensureTable creates the buckets of a table and its built-in index.
func (tx *Txn) ensureTable(table string) {
	if tx.metaBucket(table, false) != nil {
		return
	}
	tx.dataBucket(table, true)
	tx.metaBucket(table, true)
	must(tx.addIndex(table, typeIndexSpec))
}

// addIndex creates or redefines an index and builds it from the table
// contents. It returns false when an identical index already existed.
func (tx *Txn) addIndex(table string, spec IndexSpec) (bool, error) {
	tx.mustWrite()
	spec.normalize()
	if err := spec.validate(); err != nil {
		return false, err
	}
	if spec.PropertyFunction != "" {
		if _, err := tx.p.e.transforms.keyFunction(spec.PropertyFunction); err != nil {
			return false, wrapErr(InvalidIndexOperation, err, "index %q", spec.Name)
		}
	}
	if existing := tx.index(table, spec.Name); existing != nil {
		if existing.spec.sameStructure(&spec) {
			return false, nil
		}
		ensure(tx.stx.DeleteBucket(table, existing.bucket))
	}

	meta := tx.metaBucket(table, true)
	rawSpec := encodeValue(nil, &spec)
	ensure(meta.Put([]byte(metaIndexPrefix+spec.Name), rawSpec))
	idx := tx.p.compiledIndex(table, rawSpec)

	b := tx.bucket(table, idx.bucket, true)
	var n int
	err := tx.scanObjects(table, func(key ObjectKey, raw []byte) error {
		obj, err := decodeObject(raw)
		if err != nil {
			return tableErrf(table, spec.Name, key[:], err, "decode")
		}
		for _, k := range idx.keys(key, obj) {
			ensure(b.Put(k, key[:]))
			n++
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	tx.setIndexTag(table, spec.Name, tx.tableState(table))
	tx.p.logger.Debug("jsondb: index built", "table", table, "index", spec.Name, "entries", n)
	return true, nil
}

func (tx *Txn) removeIndex(table, name string) error {
	tx.mustWrite()
	if name == typeIndexName {
		return errorf(InvalidIndexOperation, "index %s is built in", name)
	}
	if tx.index(table, name) == nil {
		return nil
	}
	meta := tx.metaBucket(table, true)
	ensure(meta.Delete([]byte(metaIndexPrefix + name)))
	ensure(meta.Delete([]byte(metaIndexStatePrefix + name)))
	err := tx.stx.DeleteBucket(table, indexBucketPrefix+name)
	if err != nil && err != ErrBucketNotFound {
		return err
	}
	return nil
}

// catchUpIndexes replays the journal into the indexes that are behind their
// table. It must run before the scope writes to the table.
func (tx *Txn) catchUpIndexes(table string) error {
	if pt := tx.participants[table]; pt != nil && len(pt.keys) > 0 {
		panic("jsondb: index catch-up after writes in the same scope")
	}
	state := tx.tableState(table)
	for _, idx := range tx.indexes(table) {
		tag := tx.indexTag(table, idx.name())
		if tag >= state {
			continue
		}
		changes, err := tx.changesSince(table, tag, changesOptions{})
		if err != nil {
			return err
		}
		for _, ch := range changes.Changes {
			key := must(ParseObjectKey(ch.UUID))
			tx.reindexObject(table, idx, key, ch.Before, ch.After)
		}
		tx.setIndexTag(table, idx.name(), state)
		tx.p.logger.Debug("jsondb: index caught up", "table", table, "index", idx.name(), "from", tag, "to", state, "changes", len(changes.Changes))
	}
	return nil
}

// indexesBehind reports whether a table has indexes needing catch-up.
func (tx *Txn) indexesBehind(table string) bool {
	state := tx.tableState(table)
	for _, idx := range tx.indexes(table) {
		if tx.indexTag(table, idx.name()) < state {
			return true
		}
	}
	return false
}

// lookup returns the keys of the objects whose indexed value equals v.
func (tx *Txn) lookup(table string, idx *index, v any) []ObjectKey {
	prefix, ok := idx.valuePrefix(v)
	if !ok {
		return nil
	}
	b := tx.bucket(table, idx.bucket, false)
	if b == nil {
		return nil
	}
	var result []ObjectKey
	rang := RawIE(prefix, incCopy(prefix))
	c := rang.newCursor(b.Cursor())
	for c.Next() {
		if key, ok := objectKeyFromBytes(c.Value()); ok && !slices.Contains(result, key) {
			result = append(result, key)
		}
	}
	return result
}
