// Package query validates violation queries and applies their defaults:
// 100 records, newest first. Limits above 10000 are rejected.
package query
