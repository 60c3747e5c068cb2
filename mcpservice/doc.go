// Package mcpservice holds the capability registries the protocol dispatcher
// routes into: tools, resources and prompts. The dispatcher keeps non-owning
// references to these containers and never manages their lifecycle; hosts
// construct and mutate them freely while a server is running.
//
// Containers are threadsafe and keyed by name (tools, prompts) or URI
// (resources) in insertion order. Mutations trip Notifier instances so the
// engine can fan out listChanged/updated notifications to connected clients
// without the host doing any transport work.
//
// FSResources layers a watched filesystem directory on top of a
// ResourcesContainer so file edits surface as resource update notifications.
package mcpservice
