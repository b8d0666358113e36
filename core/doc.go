// Package core defines the canonical data model shared by the correlation
// engine and the anomaly detector: security events, correlation rules,
// correlated incidents and the sentinel errors of the processing pipeline.
//
// Types in this package are plain data. Rule evaluation lives in the
// correlate package and baseline statistics in the anomaly package; core
// stays free of engine state so that both engines can consume the same
// event values without coupling to each other.
package core
