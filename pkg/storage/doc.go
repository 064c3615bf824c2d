// Package storage persists periodic stats samples for later inspection.
// It is strictly off the data path and entirely optional.
package storage
