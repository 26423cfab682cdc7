package jsondb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/andreyvit/jsondb/changefeed"
	"github.com/andreyvit/jsondb/query"
)

// Reserved object types processed on write.
const (
	TypeIndex      = "Index"
	TypeMap        = "Map"
	TypeReduce     = "Reduce"
	TypeView       = "View"
	TypeSchemaType = "_schemaType"
)

// Partition is an independent database: one storage file (or an in-memory
// store) holding the main table, one table per view type, and their indexes.
type Partition struct {
	e         *Engine
	name      string
	path      string
	ephemeral bool
	st        storage
	logger    *slog.Logger

	// writeMu admits a single write scope at a time
	writeMu sync.Mutex

	indexCache *xsync.MapOf[string, *index]
	viewTypes  *xsync.MapOf[string, bool]
	// queries already reported for ignoring secondary order terms
	sortWarned *xsync.MapOf[string, bool]
	views      *viewManager
	feed       *changefeed.Feed
}

func (p *Partition) Name() string { return p.name }

// Path returns the storage file, or "" for ephemeral partitions.
func (p *Partition) Path() string { return p.path }

func (p *Partition) Ephemeral() bool { return p.ephemeral }

func (p *Partition) String() string { return p.name }

func (p *Partition) isViewType(typ string) bool {
	if typ == "" {
		return false
	}
	if slices.Contains(p.e.conf.ViewTypes, typ) {
		return true
	}
	v, _ := p.viewTypes.Load(typ)
	return v
}

func (tx *Txn) isViewType(typ string) bool {
	return tx.pendingViews[typ] || tx.p.isViewType(typ)
}

// ViewTypes returns the sorted view types of the partition.
func (p *Partition) ViewTypes() []string {
	types := slices.Clone(p.e.conf.ViewTypes)
	p.viewTypes.Range(func(k string, v bool) bool {
		if v && !slices.Contains(types, k) {
			types = append(types, k)
		}
		return true
	})
	slices.Sort(types)
	return types
}

func (p *Partition) init(ctx context.Context) error {
	tx, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	err = safelyCall(func() error {
		tx.ensureTable(mainTable)
		return nil
	})
	if err != nil {
		tx.Abort()
		return err
	}
	if err := tx.Commit(0); err != nil {
		return err
	}

	rtx, err := p.beginRead(ctx)
	if err != nil {
		return err
	}
	defer rtx.Abort()
	for _, obj := range rtx.objectsOfType(mainTable, TypeView) {
		if name, _ := obj["name"].(string); name != "" {
			p.viewTypes.Store(name, true)
		}
	}
	for _, obj := range rtx.objectsOfType(mainTable, TypeSchemaType) {
		p.registerSchema(obj)
	}
	return nil
}

// objectsOfType returns the live objects of a type via the _type index.
func (tx *Txn) objectsOfType(table, typ string) []Object {
	idx := tx.index(table, typeIndexName)
	if idx == nil {
		return nil
	}
	var result []Object
	for _, key := range tx.lookup(table, idx, typ) {
		obj, err := tx.getObject(table, key)
		if err != nil {
			tx.p.logger.Warn("jsondb: skipping undecodable object", "table", table, "key", key, "err", err)
			continue
		}
		if obj.Live() && obj.Type() == typ {
			result = append(result, obj)
		}
	}
	return result
}

func (p *Partition) registerSchema(obj Object) {
	name, _ := obj["name"].(string)
	src, _ := obj["schema"].(string)
	if name == "" || p.e.schemas == nil {
		return
	}
	if err := p.e.schemas.SetSchema(name, src); err != nil {
		p.logger.Warn("jsondb: invalid stored schema", "type", name, "err", err)
	}
}

// critical reports a consistency failure.
func (p *Partition) critical(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.String("partition", p.name), slog.Any("err", err))
	p.logger.LogAttrs(ctx, slog.LevelError, "jsondb: "+msg, attrs...)
	p.e.metrics.criticalError(p.name)
	if p.e.conf.OnCriticalError != nil {
		p.e.conf.OnCriticalError(fmt.Errorf("%s: %s: %w", p.name, msg, err))
	}
}

// afterCommit runs outside of the write lock once a scope is durable.
func (p *Partition) afterCommit(ctx context.Context, committed []committedTable) {
	for _, ct := range committed {
		p.e.metrics.changes(p.name, len(ct.Changes))
		if ct.Table == mainTable {
			p.applyRegistryChanges(ct)
			p.appendToFeed(ctx, ct)
		}
	}
	p.e.notifier.dispatch(ctx, p, committed)
}

// applyRegistryChanges keeps in-memory registries in sync with View and
// _schemaType objects.
func (p *Partition) applyRegistryChanges(ct committedTable) {
	for _, ch := range ct.Changes {
		before, after := decodeRaw(ch.Prior), decodeRaw(ch.Current)
		if !after.Live() {
			after = nil
		}
		if before.Live() {
			name, _ := before["name"].(string)
			switch {
			case name == "":
			case before.Type() == TypeView:
				p.viewTypes.Delete(name)
			case before.Type() == TypeSchemaType && p.e.schemas != nil:
				p.e.schemas.RemoveSchema(name)
			}
		}
		if after != nil {
			switch after.Type() {
			case TypeView:
				if name, _ := after["name"].(string); name != "" {
					p.viewTypes.Store(name, true)
				}
			case TypeSchemaType:
				p.registerSchema(after)
			}
		}
	}
}

func decodeRaw(raw []byte) Object {
	if raw == nil {
		return nil
	}
	obj, err := decodeObject(raw)
	if err != nil {
		return nil
	}
	return obj
}

// Get returns a live object by uuid, looking in the main table first and then
// in the view tables.
func (p *Partition) Get(ctx context.Context, uuid string) (Object, error) {
	key, err := ParseObjectKey(uuid)
	if err != nil {
		return nil, err
	}
	tx, err := p.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()
	obj, err := tx.Get(key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errorf(MissingObject, "object %s not found", uuid)
	}
	return obj, nil
}

// Get returns the live object with the given key, or nil.
func (tx *Txn) Get(key ObjectKey) (Object, error) {
	tables := []string{mainTable}
	for _, typ := range tx.p.ViewTypes() {
		tables = append(tables, viewTableName(typ))
	}
	for _, table := range tables {
		obj, err := tx.getObject(table, key)
		if err != nil {
			return nil, err
		}
		if obj.Live() {
			return obj, nil
		}
	}
	return nil, nil
}

// StateNumber returns the state of the main table.
func (p *Partition) StateNumber(ctx context.Context) (uint32, error) {
	tx, err := p.beginRead(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Abort()
	return tx.tableState(mainTable), nil
}

// ChangesOptions filters ChangesSince.
type ChangesOptions struct {
	// Types limits changes to objects whose type before or after the change
	// is listed. All types must live in the same table.
	Types []string
	// SplitTypeChanges reports an object moving in or out of Types as a
	// removal or a creation.
	SplitTypeChanges bool
}

// ChangesSince returns one collapsed change per object modified after state
// since. View types are brought up to date first.
func (p *Partition) ChangesSince(ctx context.Context, since uint32, opt ChangesOptions) (*ChangesResult, error) {
	table, err := p.tableForTypes(opt.Types)
	if err != nil {
		return nil, err
	}
	if table != mainTable {
		if err := p.UpdateView(ctx, opt.Types[0]); err != nil {
			return nil, err
		}
	}
	tx, err := p.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()
	var copt changesOptions
	if len(opt.Types) > 0 {
		copt.Types = make(map[string]bool, len(opt.Types))
		for _, t := range opt.Types {
			copt.Types[t] = true
		}
		copt.SplitTypeChanges = opt.SplitTypeChanges
	}
	var result *ChangesResult
	err = safelyCall(func() error {
		var err error
		result, err = tx.changesSince(table, since, copt)
		return err
	})
	if err != nil {
		return nil, asDatabaseError(err, "changes since %d", since)
	}
	return result, nil
}

// Flush makes committed data durable.
func (p *Partition) Flush(ctx context.Context) (uint32, error) {
	if err := p.st.Sync(); err != nil {
		return 0, wrapErr(DatabaseError, err, "flush %s", p.name)
	}
	if p.feed != nil {
		if err := p.feed.Sync(); err != nil {
			return 0, wrapErr(DatabaseError, err, "flush %s change feed", p.name)
		}
	}
	return p.StateNumber(ctx)
}

// AddIndex defines an index programmatically. Indexes on view types live in
// the view's table.
func (p *Partition) AddIndex(ctx context.Context, spec IndexSpec) error {
	table, err := p.tableForTypes(spec.ObjectType)
	if err != nil {
		return err
	}
	return p.Tx(ctx, true, func(tx *Txn) error {
		tx.ensureTable(table)
		_, err := tx.addIndex(table, spec)
		return err
	})
}

func (p *Partition) RemoveIndex(ctx context.Context, name string, objectType ...string) error {
	table, err := p.tableForTypes(objectType)
	if err != nil {
		return err
	}
	return p.Tx(ctx, true, func(tx *Txn) error {
		return tx.removeIndex(table, name)
	})
}

// Indexes returns the index definitions of the table holding objectType
// (the main table when empty).
func (p *Partition) Indexes(ctx context.Context, objectType ...string) ([]IndexSpec, error) {
	table, err := p.tableForTypes(objectType)
	if err != nil {
		return nil, err
	}
	tx, err := p.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Abort()
	var result []IndexSpec
	for _, idx := range tx.indexes(table) {
		result = append(result, idx.spec)
	}
	return result, nil
}

// Tx runs fn in a scope, committing a writable one when fn returns nil.
func (p *Partition) Tx(ctx context.Context, writable bool, fn func(tx *Txn) error) error {
	var tx *Txn
	var err error
	if writable {
		tx, err = p.Begin(ctx)
	} else {
		tx, err = p.beginRead(ctx)
	}
	if err != nil {
		return err
	}
	err = safelyCall(func() error { return fn(tx) })
	if err != nil {
		tx.Abort()
		return asDatabaseError(err, "%s transaction", p.name)
	}
	return tx.Commit(0)
}

func (p *Partition) close() error {
	var firstErr error
	if p.feed != nil {
		if err := p.feed.Close(); err != nil {
			firstErr = err
		}
	}
	if err := p.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// resolver resolves -> hops against the partition, caching per scope.
func (tx *Txn) resolver(extra string) query.Resolver {
	return query.ResolverFunc(func(uuid string) (map[string]any, bool) {
		if obj, ok := tx.resolved[uuid]; ok {
			return obj, obj != nil
		}
		if tx.resolved == nil {
			tx.resolved = make(map[string]Object)
		}
		key, err := ParseObjectKey(uuid)
		if err != nil {
			return nil, false
		}
		var found Object
		for _, table := range []string{mainTable, extra} {
			if table == "" {
				continue
			}
			obj, err := tx.getObject(table, key)
			if err == nil && obj.Live() {
				found = obj
				break
			}
		}
		tx.resolved[uuid] = found
		return found, found != nil
	})
}
