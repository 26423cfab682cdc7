package jsondb

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/andreyvit/jsondb/query"
)

// View lifecycle states.
const (
	ViewUninitialized = "uninitialized"
	ViewUpdating      = "updating"
	ViewIdle          = "idle"

	viewEventUpdate = "update"
	viewEventFinish = "finish"
)

// maxViewPasses bounds the retries of a view update: passes that deactivate
// failed definitions, and scopes that found their source views stale.
const maxViewPasses = 8

// viewManager tracks the lifecycle of every view type of a partition.
type viewManager struct {
	p        *Partition
	mu       sync.Mutex
	machines map[string]*fsm.FSM
}

func newViewManager(p *Partition) *viewManager {
	return &viewManager{p: p, machines: make(map[string]*fsm.FSM)}
}

func (vm *viewManager) machine(typ string) *fsm.FSM {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	m := vm.machines[typ]
	if m == nil {
		m = fsm.NewFSM(
			ViewUninitialized,
			fsm.Events{
				{Name: viewEventUpdate, Src: []string{ViewUninitialized, ViewIdle}, Dst: ViewUpdating},
				{Name: viewEventFinish, Src: []string{ViewUpdating}, Dst: ViewIdle},
			},
			fsm.Callbacks{
				"enter_state": func(ctx context.Context, e *fsm.Event) {
					if vm.p.e.conf.Verbose {
						vm.p.logger.Debug("jsondb: view state", "view", typ, "from", e.Src, "to", e.Dst)
					}
				},
			},
		)
		vm.machines[typ] = m
	}
	return m
}

func (vm *viewManager) transition(ctx context.Context, typ, event string) {
	if err := vm.machine(typ).Event(ctx, event); err != nil {
		vm.p.logger.Warn("jsondb: unexpected view transition", "view", typ, "event", event, "err", err)
	}
}

// ViewState reports the lifecycle state of a view type.
func (p *Partition) ViewState(typ string) string {
	return p.views.machine(typ).Current()
}

// UpdateView brings a view, and the views it reads from, up to date with the
// main table. Definitions whose transforms fail are marked inactive and the
// update runs again without them.
func (p *Partition) UpdateView(ctx context.Context, typ string) error {
	if !p.isViewType(typ) {
		return errorf(InvalidType, "%s is not a view type", typ)
	}
	for pass := 0; pass < maxViewPasses; pass++ {
		failures := make(map[string]string)
		if err := p.refreshView(ctx, typ, make(map[string]bool), failures); err != nil {
			return err
		}
		if len(failures) == 0 {
			return nil
		}
		n, err := p.deactivateDefinitions(ctx, failures)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	p.logger.Warn("jsondb: view update gave up after repeated failures", "partition", p.name, "view", typ)
	return nil
}

// UpdateViews updates every view type of the partition.
func (p *Partition) UpdateViews(ctx context.Context) error {
	for _, typ := range p.ViewTypes() {
		if err := p.UpdateView(ctx, typ); err != nil {
			return err
		}
	}
	return nil
}

// refreshView updates the source views of typ, each in its own scope, and
// then typ itself. updating holds the views of the current call chain.
func (p *Partition) refreshView(ctx context.Context, typ string, updating map[string]bool, failures map[string]string) error {
	if updating[typ] {
		p.logger.Warn("jsondb: view depends on itself", "partition", p.name, "view", typ)
		return nil
	}
	updating[typ] = true
	defer delete(updating, typ)

	for attempt := 0; attempt < maxViewPasses; attempt++ {
		var sources []string
		var current bool
		err := p.Tx(ctx, false, func(tx *Txn) error {
			current = tx.tableState(viewTableName(typ)) == tx.tableState(mainTable)
			if !current {
				sources = tx.sourceViews(typ, failures)
			}
			return nil
		})
		if err != nil || current {
			return err
		}
		for _, src := range sources {
			if err := p.refreshView(ctx, src, updating, failures); err != nil {
				return err
			}
		}
		done, err := p.updateViewScope(ctx, typ, sources, failures)
		if err != nil || done {
			return err
		}
	}
	return errorf(DatabaseError, "view %s: source views keep changing", typ)
}

// sourceViews returns the view types read by the definitions of typ.
func (tx *Txn) sourceViews(typ string, failures map[string]string) []string {
	var result []string
	for _, def := range tx.viewDefinitions(typ, failures) {
		for _, src := range def.sourceTypes() {
			if tx.isViewType(src) && !slices.Contains(result, src) {
				result = append(result, src)
			}
		}
	}
	slices.Sort(result)
	return result
}

// updateViewScope runs one update of typ in a write scope committed at the
// main table's state. It returns false without writing when a source view
// fell behind in the meantime.
func (p *Partition) updateViewScope(ctx context.Context, typ string, sources []string, failures map[string]string) (bool, error) {
	start := time.Now()
	tx, err := p.Begin(ctx)
	if err != nil {
		return false, err
	}
	p.views.transition(ctx, typ, viewEventUpdate)
	defer p.views.transition(ctx, typ, viewEventFinish)

	vu := &viewUpdate{
		tx:       tx,
		typ:      typ,
		table:    viewTableName(typ),
		target:   tx.tableState(mainTable),
		failures: failures,
	}
	stale := false
	err = safelyCall(func() error {
		for _, src := range sources {
			if tx.tableState(viewTableName(src)) != vu.target {
				stale = true
				return nil
			}
		}
		return vu.run()
	})
	if err != nil {
		tx.Abort()
		return false, asDatabaseError(err, "update view %s", typ)
	}
	if stale {
		tx.Abort()
		return false, nil
	}
	if err := tx.Commit(vu.target); err != nil {
		return false, err
	}
	p.e.metrics.viewUpdate(p.name, typ, vu.changes, time.Since(start))
	if p.e.conf.Verbose {
		p.logger.Debug("jsondb: VIEW "+typ, "state", vu.target, "changes", vu.changes, "failures", len(failures))
	}
	return true, nil
}

// deactivateDefinitions marks failed definitions with _active false and
// the error. It returns the number of definitions changed.
func (p *Partition) deactivateDefinitions(ctx context.Context, failures map[string]string) (int, error) {
	var n int
	err := p.Tx(ctx, true, func(tx *Txn) error {
		for _, id := range sortedKeys(failures) {
			key, err := ParseObjectKey(id)
			if err != nil {
				continue
			}
			obj, err := tx.getObject(mainTable, key)
			if err != nil {
				return err
			}
			if !obj.Live() || !definitionActive(obj) {
				continue
			}
			upd := obj.Clone()
			upd[FieldActive] = false
			upd[FieldError] = failures[id]
			if _, err := tx.Write(Owner{}, upd, ForcedWrite); err != nil {
				return err
			}
			n++
			p.logger.Warn("jsondb: view definition deactivated", "partition", p.name, "definition", id, "type", obj.Type(), "target", obj["targetType"], "err", failures[id])
		}
		return nil
	})
	return n, err
}

func definitionActive(obj Object) bool {
	active, ok := obj[FieldActive].(bool)
	return !ok || active
}

// viewDefinition is a Map or Reduce definition targeting a view.
type viewDefinition interface {
	defUUID() string
	sourceTypes() []string
	handles(typ string) bool
	ensureIndexes(vu *viewUpdate) error
	// created fills the view from the current source objects.
	created(vu *viewUpdate) error
	// apply propagates the change of one source object.
	apply(vu *viewUpdate, before, after Object) error
}

// viewDefinitions returns the active definitions targeting typ, skipping
// those that failed during the current update.
func (tx *Txn) viewDefinitions(typ string, failures map[string]string) []viewDefinition {
	var result []viewDefinition
	for _, kind := range []string{TypeMap, TypeReduce} {
		for _, obj := range tx.objectsOfType(mainTable, kind) {
			if target, _ := obj["targetType"].(string); target != typ || !definitionActive(obj) {
				continue
			}
			if _, failed := failures[obj.UUID()]; failed {
				continue
			}
			var def viewDefinition
			var err error
			if kind == TypeMap {
				def, err = parseMapDefinition(obj)
			} else {
				def, err = parseReduceDefinition(obj)
			}
			if err != nil {
				tx.p.logger.Warn("jsondb: skipping invalid view definition", "view", typ, "definition", obj.UUID(), "err", err)
				continue
			}
			result = append(result, def)
		}
	}
	return result
}

// viewUpdate is the state of one view update scope.
type viewUpdate struct {
	tx       *Txn
	typ      string
	table    string
	target   uint32
	changes  int
	failures map[string]string
}

func (vu *viewUpdate) run() error {
	tx := vu.tx
	since := tx.tableState(vu.table)
	if since == vu.target {
		return nil
	}
	if err := tx.prepare(vu.table); err != nil {
		return err
	}
	tx.touch(vu.table)

	defs := tx.viewDefinitions(vu.typ, vu.failures)
	for _, def := range defs {
		if err := def.ensureIndexes(vu); err != nil {
			return err
		}
	}
	processed, err := vu.processDefinitionChanges(since, defs)
	if err != nil {
		return err
	}
	return vu.applySourceChanges(since, defs, processed)
}

// processDefinitionChanges retracts the outputs of definitions changed or
// removed since the view's state and rebuilds the current ones from scratch.
// It returns the definitions handled this way.
func (vu *viewUpdate) processDefinitionChanges(since uint32, defs []viewDefinition) (map[string]bool, error) {
	tx := vu.tx
	changes, err := tx.changesSince(mainTable, since, changesOptions{
		Types:            map[string]bool{TypeMap: true, TypeReduce: true},
		SplitTypeChanges: true,
	})
	if err != nil {
		return nil, err
	}
	processed := make(map[string]bool)
	for _, ch := range changes.Changes {
		if b := ch.Before; b != nil && b["targetType"] == vu.typ {
			if err := vu.retract(b.Type(), b.UUID()); err != nil {
				return nil, err
			}
			processed[b.UUID()] = true
		}
		if a := ch.After; a != nil && a["targetType"] == vu.typ {
			processed[a.UUID()] = true
		}
	}
	for _, def := range defs {
		if !processed[def.defUUID()] {
			continue
		}
		if err := def.created(vu); err != nil {
			vu.fail(def, err)
		}
	}
	return processed, nil
}

// applySourceChanges feeds the source changes since the view's state to the
// definitions that were not rebuilt.
func (vu *viewUpdate) applySourceChanges(since uint32, defs []viewDefinition, processed map[string]bool) error {
	tx := vu.tx
	byTable := make(map[string]map[string]bool)
	for _, def := range defs {
		if processed[def.defUUID()] {
			continue
		}
		for _, src := range def.sourceTypes() {
			table := tx.p.tableForType(src)
			if byTable[table] == nil {
				byTable[table] = make(map[string]bool)
			}
			byTable[table][src] = true
		}
	}
	for _, table := range sortedKeys(byTable) {
		changes, err := tx.changesSince(table, since, changesOptions{Types: byTable[table], SplitTypeChanges: true})
		if err != nil {
			return err
		}
		vu.changes += len(changes.Changes)
		for _, ch := range changes.Changes {
			for _, def := range defs {
				if processed[def.defUUID()] || vu.failed(def) {
					continue
				}
				before, after := ch.Before, ch.After
				if before != nil && !def.handles(before.Type()) {
					before = nil
				}
				if after != nil && !def.handles(after.Type()) {
					after = nil
				}
				if before == nil && after == nil {
					continue
				}
				if err := def.apply(vu, before, after); err != nil {
					vu.fail(def, err)
				}
			}
		}
	}
	return nil
}

func (vu *viewUpdate) fail(def viewDefinition, err error) {
	vu.failures[def.defUUID()] = err.Error()
	vu.tx.p.e.metrics.transformFailed(vu.tx.p.name)
	vu.tx.p.logger.LogAttrs(vu.tx.ctx, slog.LevelWarn, "jsondb: view transform failed",
		slog.String("view", vu.typ), slog.String("definition", def.defUUID()), slog.Any("err", err))
}

func (vu *viewUpdate) failed(def viewDefinition) bool {
	_, ok := vu.failures[def.defUUID()]
	return ok
}

// retract removes every output of a definition.
func (vu *viewUpdate) retract(kind, defUUID string) error {
	spec := sourceUUIDsIndexSpec
	if kind == TypeReduce {
		spec = reduceUUIDIndexSpec
	}
	if err := vu.ensureIndex(spec); err != nil {
		return err
	}
	outputs, err := vu.find(spec, defUUID, func(o Object) bool {
		if kind == TypeReduce {
			return o[FieldReduceUUID] == defUUID
		}
		return slices.Contains(sourceUUIDsOf(o), defUUID)
	})
	if err != nil {
		return err
	}
	for _, o := range outputs {
		if err := vu.remove(o); err != nil {
			return err
		}
	}
	return nil
}

func (vu *viewUpdate) ensureIndex(spec IndexSpec) error {
	if vu.tx.index(vu.table, spec.Name) != nil {
		return nil
	}
	_, err := vu.tx.addIndex(vu.table, spec)
	return err
}

// find returns the live view objects whose indexed property equals value
// and that pass keep. Without a usable index the view is scanned.
func (vu *viewUpdate) find(spec IndexSpec, value any, keep func(Object) bool) ([]Object, error) {
	tx := vu.tx
	var candidates []Object
	idx := tx.index(vu.table, spec.Name)
	if _, ok := idxPrefix(idx, value); ok && idx.spec.PropertyName == spec.PropertyName && idx.fn == nil && !idx.spec.isCollated() {
		for _, key := range tx.lookup(vu.table, idx, value) {
			obj, err := tx.getObject(vu.table, key)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, obj)
		}
	} else {
		candidates = tx.objectsOfType(vu.table, vu.typ)
	}
	var result []Object
	for _, obj := range candidates {
		if obj.Live() && obj.Type() == vu.typ && keep(obj) {
			result = append(result, obj)
		}
	}
	return result, nil
}

func idxPrefix(idx *index, value any) ([]byte, bool) {
	if idx == nil {
		return nil, false
	}
	return idx.valuePrefix(value)
}

func (vu *viewUpdate) write(obj Object) error {
	_, err := vu.tx.Write(Owner{}, obj, viewObjectWrite)
	return err
}

func (vu *viewUpdate) remove(obj Object) error {
	return vu.write(Object{FieldUUID: obj.UUID(), FieldType: obj.Type(), FieldDeleted: true})
}

// sourceObjects returns the live objects of a source type.
func (vu *viewUpdate) sourceObjects(typ string) []Object {
	return vu.tx.objectsOfType(vu.tx.p.tableForType(typ), typ)
}

// viewLookup gives join transforms read access to the partition and
// remembers the objects it handed out.
type viewLookup struct {
	tx   *Txn
	seen []string
}

func (l *viewLookup) Get(uuid string) (Object, bool) {
	key, err := ParseObjectKey(uuid)
	if err != nil {
		return nil, false
	}
	obj, err := l.tx.Get(key)
	if err != nil || obj == nil {
		return nil, false
	}
	l.remember(obj)
	return obj.Clone(), true
}

func (l *viewLookup) Find(property string, value any, typ string) []Object {
	tx := l.tx
	value = query.Normalize(value)
	table := tx.p.tableForType(typ)
	var types []string
	if typ != "" {
		types = []string{typ}
	}
	var candidates []Object
	if idx := tx.findIndex(table, property, types); idx != nil && idx.decodable() {
		for _, key := range tx.lookup(table, idx, value) {
			if obj, err := tx.getObject(table, key); err == nil {
				candidates = append(candidates, obj)
			}
		}
	} else if typ != "" {
		candidates = tx.objectsOfType(table, typ)
	} else {
		_ = tx.scanObjects(table, func(key ObjectKey, raw []byte) error {
			if obj, err := decodeObject(raw); err == nil {
				candidates = append(candidates, obj)
			}
			return nil
		})
	}
	var result []Object
	for _, obj := range candidates {
		if !obj.Live() || typ != "" && obj.Type() != typ || !query.Equal(obj.Get(property), value) {
			continue
		}
		l.remember(obj)
		result = append(result, obj.Clone())
	}
	return result
}

func (l *viewLookup) remember(obj Object) {
	if id := obj.UUID(); !slices.Contains(l.seen, id) {
		l.seen = append(l.seen, id)
	}
}
