// Package registry implements the Topic Registry.
//
// The registry is the source of truth for which topics the client wants:
//   - Each topic maps to an ordered set of handlers
//   - Adding the first handler and removing the last one are reported as
//     transitions so the caller sends exactly one subscribe/unsubscribe
//   - The wire subscription state is rebuilt from Topics() after every
//     reconnect
package registry
