// Package transport opens the broker selected by configuration and returns its
// publisher and source. Transport.Close releases the underlying connection.
// The API server and the standalone worker both open their broker through it.
package transport
