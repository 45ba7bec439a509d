// Package schedule runs the time-based side of mail delivery: one daily
// drain of the durable queue at a configured HH:MM, plus on-demand drains
// requested through Kick(). It owns the retry-state bookkeeping for queued
// records and the dead-letter log for records that exhaust their budget.
package schedule
