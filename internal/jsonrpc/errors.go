package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received on the framing
	// layer (stdio lines that do not parse).
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request
	// object. It is also the catch-all for uncaught dispatch failures.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeUnauthorized indicates the request failed the auth gate.
	ErrorCodeUnauthorized ErrorCode = -32000
	// ErrorCodeMessageTooLarge indicates a framed message exceeded the
	// configured size ceiling.
	ErrorCodeMessageTooLarge ErrorCode = -32001
)
