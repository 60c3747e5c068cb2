// Package stdio implements the single-connection line-oriented transport
// over stdin/stdout. One JSON message per line in, one per line out;
// diagnostic output never touches the protocol stream.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Framing          : newline-delimited JSON-RPC, 1 MiB default ceiling
//	Concurrency      : single sequential loop (read, dispatch, write)
//
// The serve loop is sequential on purpose: a slow capability call blocks the
// whole server, and Stop is cooperative, checked between messages only. A
// read already in flight is not interrupted.
//
// Example:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo("my-stdio-server", "0.1.0"),
//	)
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For concurrent multi-client deployments prefer the streaming HTTP
// transport.
package stdio
