// Package recorder writes, queries and reviews the violation log.
//
// The Recorder sits between the evaluation engine and an audit.Storage
// backend. Record fills in IDs, timestamps and the initial review state and
// appends an evaluation's violations as a single batch. Resolve is the only
// mutation allowed after the fact.
package recorder
