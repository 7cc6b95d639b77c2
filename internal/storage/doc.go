// Package storage opens the sqlite database shared by the queue,
// settings and suggestion stores, and applies the embedded schema.
package storage
