/*
Package jsondb implements an embedded, schema-less JSON object store on top
of a sorted key-value store (Bolt, or an in-memory store for ephemeral
partitions).

We implement:

1. Partitions, independent databases holding free-form JSON objects
identified by uuid, with optimistic versioning and tombstone removal.

2. Indexes on properties or computed keys, created explicitly or on demand
by the query compiler, and caught up lazily from the journal.

3. A bracketed query language (see package query) compiled into an index walk
plus a residual filter and sort.

4. Views, derived object tables maintained incrementally by Map and Reduce
definitions that are themselves stored as objects.

5. Notifications matching committed changes against queries.

# Technical Details

**Tables.**
A table is a root bucket with a data bucket, a meta bucket and one bucket
per index. The main table holds every object except those of view types; each
view type gets a table of its own.

**State numbers.**
Every table carries a state number, advanced by exactly one on every commit
that changes it. A view table is committed at the state number of the main
table it was computed from.

**Journal.**
The data bucket interleaves object rows (16-byte keys) with journal keys: the
big-endian state number followed by 'S' maps to the list of (object key,
action) pairs of that state, and the state key followed by an object key
holds the snapshot of the object before the state.

**Index state tags.**
Each index records the table state it reflects. An index behind its table
is caught up by replaying changesSince into it before it is used.

## Binary encoding

**Object rows**: msgpack of the object.

**Forward keys** (index keys): kind tag, then the value (booleans as one byte,
numbers as order-preserving IEEE-754 bits, strings as escaped big-endian
UTF-16 code units or a collation key), then a coercion flag, then the object
key.
*/
package jsondb
