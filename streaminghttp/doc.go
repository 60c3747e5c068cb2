// Package streaminghttp implements the HTTP transport binding: plain
// request/response over POST plus long-lived server-push streaming over SSE.
//
// Routes under the configured path prefix (default "/mcp"):
//
//	POST {prefix}/messages  one JSON-RPC message per request body; the
//	                        response is returned synchronously. Inbound
//	                        notifications yield 202 Accepted with no body.
//	GET  {prefix}/sse       connection takeover: the response becomes a
//	                        text/event-stream carrying every push frame the
//	                        dispatcher emits, flushed immediately, with
//	                        periodic keep-alive comments.
//
// Unknown sub-paths under the prefix yield a JSON 404; paths outside the
// prefix fall through to the wrapped host handler untouched.
//
// Each streaming connection is owned by its request goroutine for its whole
// lifetime. Disconnects are detected synchronously at write time and tear
// down the connection's subscriptions without disturbing other clients.
//
// The handler serves requests as soon as it is mounted; Start must be
// running for out-of-band push notifications to flow.
package streaminghttp
