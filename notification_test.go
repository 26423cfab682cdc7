package jsondb

import (
	"context"
	"testing"
)

type recorder struct {
	events []NotificationEvent
}

func (r *recorder) record(ev NotificationEvent) { r.events = append(r.events, ev) }

func (r *recorder) actions() []Action {
	var out []Action
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}

func (r *recorder) reset() { r.events = nil }

var allActions = []Action{ActionCreate, ActionUpdate, ActionDelete}

func TestNotifyCreateUpdateRemove(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	var rec recorder
	id := must(p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "test", Query: `[?_type="Person"][/name]`, Actions: allActions}, rec.record))

	w := create(t, p, Object{"_type": "Person", "name": "Alice"})[0]
	create(t, p, Object{"_type": "Pet", "name": "Rex"})
	deepEqual(t, rec.actions(), []Action{ActionCreate})
	ev := rec.events[0]
	deepEqual(t, ev.ID, id)
	deepEqual(t, ev.Partition, "test")
	deepEqual(t, ev.StateNumber, uint32(1))
	deepEqual(t, ev.Object["name"], any("Alice"))
	deepEqual(t, ev.Object[FieldIndexValue], any("Alice"))

	rec.reset()
	obj := get(t, p, w.UUID)
	obj["name"] = "Alicia"
	must(p.Update(ctx, Owner{}, obj))
	must(p.Remove(ctx, Owner{}, Object{"_uuid": w.UUID}))
	deepEqual(t, rec.actions(), []Action{ActionUpdate, ActionDelete})
	deepEqual(t, rec.events[0].Object["name"], any("Alicia"))
	deepEqual(t, rec.events[1].Object[FieldDeleted], any(true))
	deepEqual(t, rec.events[1].StateNumber, uint32(4))

	ensure(p.e.Unsubscribe(id))
	codeIs(t, p.e.Unsubscribe(id), MismatchedNotifyID)

	rec.reset()
	create(t, p, Object{"_type": "Person", "name": "Bob"})
	isempty(t, rec.events)
}

func TestNotifyLeavingResultSet(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	var rec recorder
	must(p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "test", Query: `[?_type="Person"][?city="Oslo"]`, Actions: allActions}, rec.record))

	w := create(t, p, Object{"_type": "Person", "name": "Alice", "city": "Bergen"})[0]
	isempty(t, rec.events)

	obj := get(t, p, w.UUID)
	obj["city"] = "Oslo"
	must(p.Update(ctx, Owner{}, obj))
	obj = get(t, p, w.UUID)
	deepEqual(t, rec.actions(), []Action{ActionCreate})

	rec.reset()
	obj["city"] = "Bergen"
	must(p.Update(ctx, Owner{}, obj))
	deepEqual(t, rec.actions(), []Action{ActionDelete})
	// still exists, so not marked deleted
	deepEqual(t, rec.events[0].Object[FieldDeleted], nil)
	deepEqual(t, rec.events[0].Object["city"], any("Oslo"))
}

func TestNotifySelectedActions(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	var rec recorder
	must(p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "test", Query: `[?_type="Person"]`, Actions: []Action{ActionDelete}}, rec.record))

	w := create(t, p, Object{"_type": "Person", "name": "Alice"})[0]
	must(p.Remove(ctx, Owner{}, Object{"_uuid": w.UUID}))
	deepEqual(t, rec.actions(), []Action{ActionDelete})
}

func TestNotifyReplay(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	a := create(t, p, Object{"_type": "Person", "name": "Alice"})[0]
	create(t, p, Object{"_type": "Person", "name": "Bob"})
	must(p.Remove(ctx, Owner{}, Object{"_uuid": a.UUID}))

	var rec recorder
	must(p.e.Subscribe(ctx, Owner{}, Subscription{
		Partition: "test", Query: `[?_type="Person"]`, Actions: allActions, Replay: true,
	}, rec.record))
	// Alice was created and removed since state 0, which collapses to nothing
	deepEqual(t, rec.actions(), []Action{ActionCreate, ActionStateChange})
	deepEqual(t, rec.events[0].Object["name"], any("Bob"))
	deepEqual(t, rec.events[1].Object, Object{"_state": 3.0})
	deepEqual(t, rec.events[1].StateNumber, uint32(3))

	rec.reset()
	must(p.e.Subscribe(ctx, Owner{}, Subscription{
		Partition: "test", Query: `[?_type="Person"]`, Actions: allActions, Replay: true, InitialState: 2,
	}, rec.record))
	deepEqual(t, rec.actions(), []Action{ActionDelete, ActionStateChange})
	deepEqual(t, rec.events[0].Object["name"], any("Alice"))
}

func TestSubscribeErrors(t *testing.T) {
	ctx := context.Background()
	p := setup(t)
	noop := func(NotificationEvent) {}

	_, err := p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "test", Query: `[?_type="Person"]`}, noop)
	codeIs(t, err, InvalidActions)
	_, err = p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "test", Query: `[?_type="Person"]`, Actions: []Action{ActionStateChange}}, noop)
	codeIs(t, err, InvalidActions)
	_, err = p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "test", Query: `nope`, Actions: allActions}, noop)
	codeIs(t, err, MissingQuery)
	_, err = p.e.Subscribe(ctx, Owner{}, Subscription{Partition: "missing", Query: `[?_type="Person"]`, Actions: allActions}, noop)
	codeIs(t, err, PartitionUnavailable)

	a, err := ParseAction("remove")
	ensure(err)
	deepEqual(t, a, ActionDelete)
	_, err = ParseAction("delete")
	codeIs(t, err, InvalidActions)
}
