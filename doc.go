// Package mcpserve is a protocol server implementing a tool/resource/prompt
// invocation protocol (a JSON-RPC 2.0 dialect) for LLM-agent clients, over
// two transport bindings: a line-oriented standard-stream channel (stdio)
// and an HTTP channel supporting plain request/response and long-lived
// server-push streaming (streaminghttp), optionally gated by a static-token
// auth layer (auth).
//
// Hosts describe what the server can do with the registries in mcpservice
// and pick a transport binding:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo("example", "1.0.0"),
//	    mcpservice.WithTools(mcpservice.NewTool("echo", echoTool)),
//	)
//
//	h := stdio.NewHandler(srv)
//	_ = h.Serve(ctx)
//
// The dispatcher shared by both bindings never depends on which transport is
// active; it sees only the Transport contract below.
package mcpserve
