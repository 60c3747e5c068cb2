// Package auth provides a static bearer-token gate for HTTP transports.
//
// The gate wraps any http.Handler. When no token is configured the gate is
// transparent: every request passes through untouched. When a token is
// configured, requests must present it — either as "Bearer <token>" in the
// configured header or as the bare token value — before they reach the
// wrapped handler. Failures are answered with a 401 carrying a JSON-RPC
// error envelope so protocol clients see a structured refusal rather than
// an opaque status line.
//
// Path prefixes can be exempted for health checks and similar unauthenticated
// surfaces.
package auth
