// Package server implements the server-side session registry: the mirror
// of the portal's live client set, associating each session with an
// in-game account once authenticated.
//
// The portal's view of connected clients is authoritative, so the full
// sync it sends on every link establishment reconciles this registry
// wholesale: mirrors present in the sync are created or updated, mirrors
// absent from it are destroyed (invoking the account unbind hook). That
// deletion rule is what keeps sessions that disconnected during a link
// outage from leaking here forever.
//
// Game-side output goes through Send, which is fire-and-forget: a link
// that is momentarily reconnecting costs the message, never the caller.
package server
