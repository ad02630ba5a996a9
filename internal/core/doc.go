// Package core turns uploaded spreadsheets into record updates.
//
// This package holds all domain logic independent of any transport. The web
// server, the CLI and the tests drive it through the same types.
//
// # Flow
//
//  1. [sheet.Decode] reads a workbook or CSV into rows of strings.
//  2. [Extract] skips the header and emits one [NormalizedRecord] per row
//     with a non-blank ID, reading response and notes by column layout.
//  3. [Engine.Run] reconciles records one at a time against a [RemoteStore]
//     and reports status, progress and a final [BatchSummary] to an [Observer].
//
// # Lookup
//
// Each record is resolved by an ordered chain of strategies: a keyed query
// on the primary collection, the same query on the fallback collection when
// the first call fails, and finally an unfiltered probe of the primary
// collection. Only a transport failure moves to the next strategy; an empty
// result is final and yields [OutcomeNotFound]. When the probe also fails the
// record is an [OutcomeAccessError].
//
// # Outcomes
//
// Every record ends in exactly one [OutcomeKind]. Failures are data: they
// are collected into the summary and never stop the batch. The only error
// that aborts a batch is [ErrEmptyInput], returned before processing starts.
//
// # Service
//
// [Service] runs batches in the background, bounded by an [UploadLimiter],
// broadcasts [RunProgress] to subscribers and keeps finished results in
// memory for a retention period. Finished runs are written to a
// [RunRecorder] and purged by [Service.StartHistoryPurge].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError];
// failed outcomes are described by [OutcomeMessage]. Codes are listed in
// error_messages.go.
package core
