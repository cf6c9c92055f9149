// Package incremental decides, per derivable unit, whether stored content is
// still valid and regenerates it when it is not.
//
// A unit is Missing when its group has no signatures, Fresh when every
// signature of the group derives from the current predecessor CID URI, and
// Stale otherwise. Fresh units are never touched, so manual edits survive.
// Missing and Stale units are generated and the whole group is replaced
// atomically. A failed generation leaves the group as it was, adds an error
// marker and is retried on the next run.
package incremental
