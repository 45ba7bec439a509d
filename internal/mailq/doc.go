// Package mailq implements the durable mail queue: an append-only JSONL log
// of pending notification records with per-record retry state.
//
// Position in the file carries no meaning; the only structural guarantee is
// that a drain claims the entire current content atomically (by renaming the
// live file) so that concurrent appends are never lost or double-processed.
package mailq
