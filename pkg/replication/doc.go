/*
Package replication propagates field mutations between the members of a session.

Local writes are applied under the session lock, stamped with the next logical
timestamp and the local node ID, and handed to a ports.Transport. Remote
messages are queued on an inbox and applied by a dispatch pass using
last-writer-wins: a field is replaced only by one with a greater timestamp, or
an equal timestamp and a lexicographically greater origin.

Every pass coalesces the accepted keys into one ChangeEvent per session and
origin, so a burst of remote updates produces a single notification.

# Dispatch modes

Start runs a background pump that drains the inbox as soon as traffic arrives.
Without Start, callers drive dispatch with Drain, which tests use to observe
coalescing deterministically.
*/
package replication
