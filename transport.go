package mcpserve

import "context"

// Transport is the contract every binding implements. The protocol
// dispatcher never depends on which binding is active: responses travel back
// on the path the request arrived on, and SendMessage is the single push
// operation used for out-of-band notifications.
type Transport interface {
	// Start begins serving and blocks until the transport terminates or ctx
	// is canceled.
	Start(ctx context.Context) error

	// Stop requests a cooperative shutdown. It is idempotent.
	Stop(ctx context.Context) error

	// SendMessage pushes one self-delimited protocol message to the
	// connected client(s), independent of any request/response pair.
	SendMessage(ctx context.Context, msg []byte) error
}
