// Package mcp contains the protocol data types and constants shared across
// transports and capability containers. It mirrors the wire representation of
// the tool/resource/prompt invocation protocol while keeping the surface
// Go-friendly (exported structs with json tags, string constants for method
// names).
//
// The package is intentionally free of transport logic: the stdio and
// streaming HTTP bindings import these types but implement their own framing,
// authentication and connection handling. Likewise the capability containers
// in mcpservice construct responses using these concrete types and hand them
// to the engine for JSON-RPC serialization.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes
// and gives dispatch tables a single point of truth.
//
// # Capabilities
//
// ClientCapabilities and ServerCapabilities capture advertised feature sets.
// They are thin structs shaped to match the JSON wire form. The server's
// capability set is fixed at construction and echoed verbatim from every
// initialize call.
//
// # Compatibility
//
// The LatestProtocolVersion constant is the one fixed protocol version the
// server echoes regardless of what a client requests. This is leniency, not
// negotiation: clients asking for other versions are not rejected.
package mcp
