// Package core defines the domain model shared by every stage of the
// staging-and-merge pipeline: source types, batch and entry lifecycles,
// canonical items, the audit and failure records, the canonical field
// catalog, and the lenient value casts used when reading loosely typed input.
//
// The package performs no I/O. Storage lives in internal/store, the row
// normalizer in internal/standardize, merge decisions in internal/merge and
// orchestration in internal/pipeline.
package core
