package jsondb

import (
	"context"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andreyvit/jsondb/changefeed"
)

// FeedRecord is the payload of one change feed record: the objects a main
// table commit left behind, tombstones included.
type FeedRecord struct {
	Changes []FeedChange `msgpack:"c"`
}

type FeedChange struct {
	UUID   string             `msgpack:"u"`
	Action Action             `msgpack:"a"`
	Object msgpack.RawMessage `msgpack:"o,omitempty"`
}

func (p *Partition) appendToFeed(ctx context.Context, ct committedTable) {
	if p.feed == nil || ct.State <= p.feed.LastState() {
		return
	}
	rec := FeedRecord{Changes: make([]FeedChange, 0, len(ct.Changes))}
	for _, ch := range ct.Changes {
		rec.Changes = append(rec.Changes, FeedChange{UUID: ch.Key.String(), Action: ch.Action, Object: ch.Current})
	}
	if err := p.feed.Append(ct.State, encodeValue(nil, &rec)); err != nil {
		p.critical(ctx, "change feed append failed", err, slog.Uint64("state", uint64(ct.State)))
	}
}

// ReadFeed replays change feed records committed after state.
func (p *Partition) ReadFeed(after uint32, fn func(state uint32, rec *FeedRecord) error) error {
	if p.feed == nil {
		return errorf(InvalidRequest, "change feed is not enabled for %s", p.name)
	}
	return p.feed.Read(after, func(r changefeed.Record) error {
		var rec FeedRecord
		if err := decodeValue(r.Data, &rec); err != nil {
			return err
		}
		return fn(r.State, &rec)
	})
}

// Decode returns the object a change stored, or nil.
func (c *FeedChange) Decode() (Object, error) {
	if c.Object == nil {
		return nil, nil
	}
	return decodeObject(c.Object)
}
