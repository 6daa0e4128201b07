// Package storage provides the blob archive backends for raw upstream
// page bodies. The archive is a side channel: failing to write a blob
// never fails the ingest of its page.
package storage

import "context"

// NoOpArchive discards raw pages. It serves runs where events are
// ingested without retaining upstream bodies.
type NoOpArchive struct{}

// PutObject drops the data and reports an empty URI.
func (NoOpArchive) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", nil
}
