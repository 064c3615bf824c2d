// Package pool implements the dynamic upstream TCP connection pool:
// prewarming, acquire/release with a FIFO waiter queue, threshold-driven
// scaling and periodic idle eviction.
package pool
