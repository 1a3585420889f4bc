package dispatcher

import (
	"context"

	"github.com/o2versioner/coordinator/internal/wire"
)

// ReplicaLink is the Dispatcher's view of the Transceiver layer: one
// framed round trip per replica address. The concrete implementation
// (internal/transceiver) owns the persistent connection, reconnect
// backoff and outstanding-request correlation; the Dispatcher only
// needs to send and await a reply.
type ReplicaLink interface {
	SendQuery(ctx context.Context, replica string, req wire.MsqlRequest) (wire.MsqlResponseWire, error)
	SendRelease(ctx context.Context, replica string, req wire.DbVNReleaseRequest) (wire.DbVNReleaseReply, error)
}
