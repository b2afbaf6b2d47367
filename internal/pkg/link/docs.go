// Package link maintains the single persistent connection between the
// portal and server processes.
//
// The portal is always the initiating side: its Dialer connects to the
// server's Acceptor and redials on an exponential backoff schedule
// whenever the connection drops. The acceptor holds at most one live
// connection; a newly accepted connection replaces the previous one,
// which covers a portal that reconnects before the server notices the
// old socket died.
//
// Neither side ever treats a lost connection as fatal. The dialer retries
// indefinitely; it stops only when explicitly closed, which happens when
// the server announces a permanent shutdown. Session state is never
// discarded on connection loss; the registries rebuild a shared view via
// the full sync that the portal triggers on every successful connect.
//
// Sends while the link is down fail fast with ErrLinkUnavailable and
// never block or panic the caller.
package link
