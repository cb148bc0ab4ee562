/*
Package session implements join/leave semantics for replicated objects.

A Record groups every local handle joined to one session token together with the
session's field table, its peer set and its observers. Records are reference
counted by attached handles and torn down when the last one leaves. All access to
a record's mutable state goes through the Manager's per-session critical section.
*/
package session
