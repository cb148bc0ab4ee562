/*
Package tendril is a replicated shared-object store.

A process creates objects through a Store. Each object is a flat map of named
fields that can be attached to a session: every object joined to the same
session ID, in any process reachable through the configured transport, sees
the same field values. Concurrent writes converge with last-writer-wins
ordering on a per-field logical timestamp, with the origin node ID breaking
ties.

# Usage

	store, err := tendril.New(tendril.WithTransport(transport))
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close(context.Background())

	doc, err := store.CreateObject(map[string]any{"title": "draft"})
	if err != nil {
		log.Fatal(err)
	}
	if err := doc.SetSessionID(ctx, "team-notes"); err != nil {
		log.Fatal(err)
	}

	doc.OnChange(func(ev tendril.ChangeEvent) {
		log.Println("changed:", ev.Keys)
	})
	_ = doc.Put(ctx, "title", "final")

# Events

Change callbacks receive one ChangeEvent per session and origin for each
dispatch pass, listing the keys that changed in order of first mutation.
Status callbacks receive a StatusEvent whenever a peer of the session connects
or disconnects. Callbacks are registered on the session: registering while the
object is unjoined does nothing.

# Values

Fields hold strings, numbers, booleans and JSON-like composites. Numbers read
back as float64 and composites as map[string]any or []any; use GetInto to map
a field onto a typed value. The encoded size of an object is capped (4 MiB by
default) and writes that would exceed it fail with ErrSizeLimitExceeded.
*/
package tendril
