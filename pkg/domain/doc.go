/*
Package domain contains the core domain models shared by every Tendril component.

It defines the replicated field unit, the wire messages exchanged between peers,
the typed observer events and the sentinel errors. This package is kept pure and
free of I/O, following the same hexagonal split as the rest of the module.

# Key Entities

  - Field: an encoded value together with its logical timestamp and origin.
  - Message / Change: the wire form of a batch of field mutations.
  - ChangeEvent / StatusEvent: the tagged events delivered to observers.
  - Snapshot: the committed field state of a session, as persisted by a SnapshotStore.
*/
package domain
