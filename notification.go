package jsondb

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/andreyvit/jsondb/query"
)

// Subscription describes what a subscriber wants to hear about.
type Subscription struct {
	Partition string
	Query     string
	Bindings  map[string]any
	// Actions is any combination of ActionCreate, ActionUpdate and
	// ActionDelete.
	Actions []Action
	// Replay delivers the changes committed after InitialState, followed by
	// an ActionStateChange event, before any live change.
	Replay       bool
	InitialState uint32
}

// NotificationEvent is one delivered change. Object is the object after the
// change, or the last matching version with _deleted set for removals; for
// ActionStateChange it only holds _state.
type NotificationEvent struct {
	ID          string
	Partition   string
	Action      Action
	Object      Object
	StateNumber uint32
}

// ParseAction converts create, update or remove.
func ParseAction(s string) (Action, error) {
	switch s {
	case "create":
		return ActionCreate, nil
	case "update":
		return ActionUpdate, nil
	case "remove":
		return ActionDelete, nil
	}
	return 0, errorf(InvalidActions, "invalid notification action %q", s)
}

type subscription struct {
	id      string
	owner   Owner
	p       *Partition
	q       *query.Query
	table   string
	actions Action
	fn      func(NotificationEvent)

	mu         sync.Mutex
	replaying  bool
	pending    []NotificationEvent
	replayedTo uint32
}

// notifier matches committed changes against subscriptions.
type notifier struct {
	e    *Engine
	subs *xsync.MapOf[string, *subscription]
}

func newNotifier(e *Engine) *notifier {
	return &notifier{e: e, subs: xsync.NewMapOf[string, *subscription]()}
}

// Subscribe registers fn to be called with the changes matching a query.
// fn runs synchronously on the committing goroutine, after the write lock
// has been released.
func (e *Engine) Subscribe(ctx context.Context, owner Owner, sub Subscription, fn func(NotificationEvent)) (string, error) {
	if len(sub.Actions) == 0 {
		return "", errorf(InvalidActions, "no notification actions")
	}
	var actions Action
	for _, a := range sub.Actions {
		switch a {
		case ActionCreate, ActionUpdate, ActionDelete:
			actions |= a
		default:
			return "", errorf(InvalidActions, "invalid notification action %v", a)
		}
	}
	p, err := e.Partition(sub.Partition)
	if err != nil {
		return "", err
	}
	q := query.Parse(sub.Query, sub.Bindings)
	if q.Failed() {
		return "", errorf(MissingQuery, "invalid query %q: %s", q.Text, strings.Join(q.Explanation, "; "))
	}
	types := queryTypes(q)
	table, err := p.tableForTypes(types)
	if err != nil {
		return "", err
	}
	if sub.Replay && table != mainTable {
		if err := p.UpdateView(ctx, types[0]); err != nil {
			return "", err
		}
	}

	s := &subscription{
		id:        uuid.New().String(),
		owner:     owner,
		p:         p,
		q:         q,
		table:     table,
		actions:   actions,
		fn:        fn,
		replaying: sub.Replay,
	}
	e.notifier.subs.Store(s.id, s)
	if sub.Replay {
		if err := s.replay(ctx, sub.InitialState); err != nil {
			e.notifier.subs.Delete(s.id)
			return "", err
		}
	}
	return s.id, nil
}

// Unsubscribe removes a subscription.
func (e *Engine) Unsubscribe(id string) error {
	if _, ok := e.notifier.subs.LoadAndDelete(id); !ok {
		return errorf(MismatchedNotifyID, "no subscription %q", id)
	}
	return nil
}

func (n *notifier) dropPartition(name string) {
	n.subs.Range(func(id string, s *subscription) bool {
		if s.p.name == name {
			n.subs.Delete(id)
		}
		return true
	})
}

// dispatch delivers the changes of a commit to the subscriptions of the
// partition.
func (n *notifier) dispatch(ctx context.Context, p *Partition, committed []committedTable) {
	var subs []*subscription
	n.subs.Range(func(_ string, s *subscription) bool {
		if s.p == p {
			subs = append(subs, s)
		}
		return true
	})
	if len(subs) == 0 {
		return
	}
	tx, err := p.beginRead(ctx)
	if err != nil {
		p.logger.Warn("jsondb: cannot match notifications", "partition", p.name, "err", err)
		return
	}
	defer tx.Abort()

	var delivered int
	for _, ct := range committed {
		var changes [][2]Object
		for _, s := range subs {
			if s.table != ct.Table {
				continue
			}
			if changes == nil {
				changes = make([][2]Object, 0, len(ct.Changes))
				for _, ch := range ct.Changes {
					changes = append(changes, [2]Object{decodeRaw(ch.Prior), decodeRaw(ch.Current)})
				}
			}
			r := tx.resolver(ct.Table)
			for _, ch := range changes {
				if ev, ok := s.match(ch[0], ch[1], ct.State, r); ok {
					s.deliver(ev)
					delivered++
				}
			}
		}
	}
	if delivered > 0 {
		p.e.metrics.notified(p.name, delivered)
	}
}

// match decides the action a change means to the subscription: an update
// leaving the query's result set is a removal, one entering it a creation.
func (s *subscription) match(before, after Object, state uint32, r query.Resolver) (NotificationEvent, bool) {
	oldMatches := before.Live() && matchAll(s.q.Terms, before, r)
	newMatches := after.Live() && matchAll(s.q.Terms, after, r)

	var action Action
	var obj Object
	switch {
	case newMatches && !oldMatches:
		action, obj = ActionCreate, after
	case oldMatches && !newMatches:
		action, obj = ActionDelete, before.Clone()
		if !after.Live() {
			obj[FieldDeleted] = true
		}
	case oldMatches && newMatches:
		action, obj = ActionUpdate, after
	default:
		return NotificationEvent{}, false
	}
	if s.actions&action == 0 || !s.p.e.conf.AccessControl.IsAllowed(s.owner, obj, s.p.name, "read") {
		return NotificationEvent{}, false
	}
	if len(s.q.OrderTerms) > 0 {
		if v := query.Project(obj, s.q.OrderTerms[0].PropertyName, r); !query.IsUndefined(v) {
			obj = obj.Clone()
			obj[FieldIndexValue] = v
		}
	}
	return NotificationEvent{ID: s.id, Partition: s.p.name, Action: action, Object: obj, StateNumber: state}, true
}

func (s *subscription) deliver(ev NotificationEvent) {
	s.mu.Lock()
	if s.replaying {
		s.pending = append(s.pending, ev)
		s.mu.Unlock()
		return
	}
	skip := ev.StateNumber <= s.replayedTo
	s.mu.Unlock()
	if !skip {
		s.fn(ev)
	}
}

// replay delivers the collapsed changes after since, then the live events
// that arrived meanwhile.
func (s *subscription) replay(ctx context.Context, since uint32) error {
	var events []NotificationEvent
	var current uint32
	err := s.p.Tx(ctx, false, func(tx *Txn) error {
		changes, err := tx.changesSince(s.table, since, changesOptions{})
		if err != nil {
			return err
		}
		current = changes.CurrentStateNumber
		r := tx.resolver(s.table)
		for _, ch := range changes.Changes {
			if ev, ok := s.match(ch.Before, ch.After, current, r); ok {
				events = append(events, ev)
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Lock()
		s.replaying = false
		s.mu.Unlock()
		return err
	}
	for _, ev := range events {
		s.fn(ev)
	}
	s.fn(NotificationEvent{
		ID:          s.id,
		Partition:   s.p.name,
		Action:      ActionStateChange,
		Object:      Object{"_state": float64(current)},
		StateNumber: current,
	})
	s.p.e.metrics.notified(s.p.name, len(events))

	s.mu.Lock()
	s.replaying = false
	s.replayedTo = current
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range pending {
		if ev.StateNumber > current {
			s.fn(ev)
		}
	}
	return nil
}
