package jsondb

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	json "github.com/goccy/go-json"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/andreyvit/jsondb/query"
)

// MapFn turns a source object into the objects it contributes to a view.
type MapFn func(obj Object) ([]Object, error)

// JoinFn is a MapFn that may read other objects of the partition.
type JoinFn func(obj Object, lookup Lookup) ([]Object, error)

// ReduceFn folds obj into (or out of) the previous aggregate of key.
// previous is query.Undefined when there is none; returning query.Undefined
// removes the aggregate.
type ReduceFn func(key, previous any, obj Object) (any, error)

// KeyFn computes an index value or a grouping key. query.Undefined means
// no value.
type KeyFn func(obj Object) (any, error)

// Lookup is the read access granted to join transforms.
type Lookup interface {
	Get(uuid string) (Object, bool)
	Find(property string, value any, typ string) []Object
}

// transformRegistry resolves transform names. Names that are not registered
// are compiled as CUE: the object (or, for reduce, {key, previous, object})
// is filled into "in" and the result is read from "out".
type transformRegistry struct {
	maps    *xsync.MapOf[string, MapFn]
	joins   *xsync.MapOf[string, JoinFn]
	reduces *xsync.MapOf[string, ReduceFn]
	keys    *xsync.MapOf[string, KeyFn]
	cue     *xsync.MapOf[string, *cueTransform]
}

func newTransformRegistry() *transformRegistry {
	return &transformRegistry{
		maps:    xsync.NewMapOf[string, MapFn](),
		joins:   xsync.NewMapOf[string, JoinFn](),
		reduces: xsync.NewMapOf[string, ReduceFn](),
		keys:    xsync.NewMapOf[string, KeyFn](),
		cue:     xsync.NewMapOf[string, *cueTransform](),
	}
}

func (r *transformRegistry) compiled(src string) (*cueTransform, error) {
	if t, ok := r.cue.Load(src); ok {
		return t, nil
	}
	t, err := compileCUE(src)
	if err != nil {
		return nil, err
	}
	t, _ = r.cue.LoadOrStore(src, t)
	return t, nil
}

func (r *transformRegistry) mapFunction(name string) (MapFn, error) {
	if fn, ok := r.maps.Load(name); ok {
		return fn, nil
	}
	t, err := r.compiled(name)
	if err != nil {
		return nil, err
	}
	return func(obj Object) ([]Object, error) {
		out, err := t.eval(map[string]any(obj))
		if err != nil || query.IsUndefined(out) {
			return nil, err
		}
		return objectsOf(out)
	}, nil
}

func (r *transformRegistry) joinFunction(name string) (JoinFn, error) {
	if fn, ok := r.joins.Load(name); ok {
		return fn, nil
	}
	fn, err := r.mapFunction(name)
	if err != nil {
		return nil, err
	}
	return func(obj Object, _ Lookup) ([]Object, error) { return fn(obj) }, nil
}

func (r *transformRegistry) reduceFunction(name string) (ReduceFn, error) {
	if fn, ok := r.reduces.Load(name); ok {
		return fn, nil
	}
	t, err := r.compiled(name)
	if err != nil {
		return nil, err
	}
	return func(key, previous any, obj Object) (any, error) {
		if query.IsUndefined(previous) {
			previous = nil
		}
		return t.eval(map[string]any{"key": key, "previous": previous, "object": map[string]any(obj)})
	}, nil
}

func (r *transformRegistry) keyFunction(name string) (KeyFn, error) {
	if fn, ok := r.keys.Load(name); ok {
		return fn, nil
	}
	t, err := r.compiled(name)
	if err != nil {
		return nil, err
	}
	return func(obj Object) (any, error) {
		return t.eval(map[string]any(obj))
	}, nil
}

func objectsOf(v any) ([]Object, error) {
	switch v := v.(type) {
	case map[string]any:
		return []Object{Object(v)}, nil
	case []any:
		result := make([]Object, 0, len(v))
		for _, e := range v {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("map output must contain objects, got %s", query.Format(e))
			}
			result = append(result, Object(m))
		}
		return result, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("map output must be a list of objects, got %s", query.Format(v))
	}
}

// cueTransform is a compiled CUE program. A cue.Context is not safe for
// concurrent use, hence the lock.
type cueTransform struct {
	mu  sync.Mutex
	val cue.Value
}

var (
	cueIn  = cue.ParsePath("in")
	cueOut = cue.ParsePath("out")
)

func compileCUE(src string) (*cueTransform, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString("in: _\n" + src)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("compiling transform: %w", err)
	}
	return &cueTransform{val: val}, nil
}

func (t *cueTransform) eval(in any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	filled := t.val.FillPath(cueIn, in)
	if err := filled.Err(); err != nil {
		return nil, fmt.Errorf("transform input: %w", err)
	}
	out := filled.LookupPath(cueOut)
	if !out.Exists() {
		return query.Undefined, nil
	}
	if err := out.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("transform output: %w", err)
	}
	data, err := out.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("transform output: %w", err)
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return query.Normalize(result), nil
}

func (e *Engine) RegisterMapFunction(name string, fn MapFn) { e.transforms.maps.Store(name, fn) }

func (e *Engine) RegisterJoinFunction(name string, fn JoinFn) { e.transforms.joins.Store(name, fn) }

func (e *Engine) RegisterReduceFunction(name string, fn ReduceFn) {
	e.transforms.reduces.Store(name, fn)
}

func (e *Engine) RegisterKeyFunction(name string, fn KeyFn) { e.transforms.keys.Store(name, fn) }
