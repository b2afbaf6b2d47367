// Package portal implements the portal-side session registry: the single
// source of truth for all live client connections.
//
// The registry allocates session ids, relays inbound client data to the
// server over the link, writes server-originated output back to client
// connections, and applies the administrative operations the server sends
// (login, disconnect, shutdown, state sync, force-connect).
//
// Because the portal owns the real sockets, its view of "who is
// connected" is authoritative. Every time the link (re)establishes, the
// registry pushes a full sync of all held sessions so the server can
// reconcile its mirrors, then re-announces the authenticated sessions via
// a post-sync delta. Clients are never dropped just because the server is
// temporarily unreachable.
package portal
