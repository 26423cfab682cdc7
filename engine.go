package jsondb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/andreyvit/jsondb/changefeed"
)

// Engine owns a set of named partitions and the registries they share:
// transform functions, schemas, subscriptions and metrics.
type Engine struct {
	conf       Config
	logger     *slog.Logger
	partitions *xsync.MapOf[string, *Partition]
	transforms *transformRegistry
	schemas    *CUEValidator
	notifier   *notifier
	metrics    *engineMetrics
}

func New(conf Config) *Engine {
	conf.setDefaults()
	e := &Engine{
		conf:       conf,
		logger:     conf.Logger,
		partitions: xsync.NewMapOf[string, *Partition](),
		transforms: newTransformRegistry(),
		metrics:    newEngineMetrics(),
	}
	if v, ok := conf.Validator.(*CUEValidator); ok {
		e.schemas = v
	} else {
		e.schemas = NewCUEValidator()
	}
	e.notifier = newNotifier(e)
	return e
}

// Schemas returns the CUE validator fed by _schemaType objects.
func (e *Engine) Schemas() *CUEValidator { return e.schemas }

func (e *Engine) validate(typ string, obj Object) error {
	if err := e.schemas.Validate(typ, obj); err != nil {
		return err
	}
	if v := e.conf.Validator; v != nil {
		if _, isSchemas := v.(*CUEValidator); !isSchemas {
			return v.Validate(typ, obj)
		}
	}
	return nil
}

// OpenPartition opens (creating if needed) a partition stored at path. An
// empty path makes an ephemeral in-memory partition.
func (e *Engine) OpenPartition(ctx context.Context, name, path string) (*Partition, error) {
	if name == "" {
		return nil, errorf(InvalidPartition, "partition name is required")
	}
	if _, exists := e.partitions.Load(name); exists {
		return nil, errorf(InvalidPartition, "partition %s is already open", name)
	}

	p := &Partition{
		e:          e,
		name:       name,
		path:       path,
		ephemeral:  path == "",
		logger:     e.logger.With("partition", name),
		indexCache: xsync.NewMapOf[string, *index](),
		viewTypes:  xsync.NewMapOf[string, bool](),
		sortWarned: xsync.NewMapOf[string, bool](),
	}
	p.views = newViewManager(p)
	if p.ephemeral {
		p.st = newMemStorage()
	} else {
		st, err := openBoltStorage(path, &e.conf)
		if err != nil {
			return nil, wrapErr(DatabaseConnectionError, err, "open %s", path)
		}
		p.st = st
	}

	if err := p.init(ctx); err != nil {
		p.st.Close()
		return nil, asDatabaseError(err, "initialize %s", name)
	}

	if e.conf.ChangeFeedDir != "" && !p.ephemeral {
		feed, err := changefeed.Open(filepath.Join(e.conf.ChangeFeedDir, name), changefeed.Options{
			Context:     ctx,
			FileName:    "main-*.feed",
			MaxFileSize: e.conf.ChangeFeedMaxFileSize,
			DebugName:   name,
			Logger:      p.logger,
			Verbose:     e.conf.Verbose,
		})
		if err != nil {
			p.st.Close()
			return nil, wrapErr(DatabaseConnectionError, err, "open change feed of %s", name)
		}
		p.feed = feed
	}

	if _, loaded := e.partitions.LoadOrStore(name, p); loaded {
		p.close()
		return nil, errorf(InvalidPartition, "partition %s is already open", name)
	}
	p.logger.Debug("jsondb: partition opened", "path", path)
	return p, nil
}

// Partition returns an open partition.
func (e *Engine) Partition(name string) (*Partition, error) {
	p, ok := e.partitions.Load(name)
	if !ok {
		return nil, errorf(PartitionUnavailable, "partition %s is not open", name)
	}
	return p, nil
}

// Partitions returns the names of the open partitions, sorted.
func (e *Engine) Partitions() []string {
	var names []string
	e.partitions.Range(func(name string, _ *Partition) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return names
}

func (e *Engine) ClosePartition(name string) error {
	p, ok := e.partitions.LoadAndDelete(name)
	if !ok {
		return errorf(PartitionUnavailable, "partition %s is not open", name)
	}
	e.notifier.dropPartition(name)
	return p.close()
}

// Close closes every partition.
func (e *Engine) Close() error {
	var errs []error
	for _, name := range e.Partitions() {
		if err := e.ClosePartition(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteMetrics writes the engine metrics in the Prometheus text format.
func (e *Engine) WriteMetrics(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
