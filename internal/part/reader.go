package part

import (
	"context"
	"fmt"

	"github.com/kenchrcum/bararchive/internal/backend"
	"github.com/kenchrcum/bararchive/internal/chunkio"
)

// OpenPart opens part number n of the archive named baseName for reading,
// returning its unbounded top-level Container. numbered must match the
// writer's decision (partSize was set when the archive was written).
func OpenPart(ctx context.Context, be backend.StorageBackend, baseName string, n int, numbered bool) (backend.ReadStream, *chunkio.Container, error) {
	name := baseName + ".bar"
	if numbered {
		name = fmt.Sprintf("%s.%03d.bar", baseName, n)
	}
	stream, err := be.Open(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return stream, chunkio.NewPartContainer(stream), nil
}
