// Package httpapi serves health and debug endpoints for a running stream:
//
//	GET /health        200 while the connection is open, 503 otherwise
//	GET /version       build information
//	GET /debug/topics  registered topics with handler counts
//	GET /debug/stats   connection, router and recorder counters
package httpapi
