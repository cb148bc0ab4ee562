/*
Package observability provides the Prometheus collectors of the replication engine.

A nil *Metrics is valid and records nothing, so components can take metrics as
an optional dependency.
*/
package observability
