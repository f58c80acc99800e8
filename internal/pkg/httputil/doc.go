// Package httputil provides shared JSON response helpers for the ops
// endpoints. Handlers use these instead of writing raw http.ResponseWriter
// calls so error envelopes and content types stay consistent.
package httputil
