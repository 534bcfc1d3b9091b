// Package shared holds HTTP helpers used by both the handlers and the
// middleware: trace IDs, JSON decoding and validation, and response writers.
package shared
