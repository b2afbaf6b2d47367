// Package wire defines the framed message protocol spoken between the
// portal and server processes.
//
// A logical message is a command name, a session id and a set of named
// byte-string fields. Because a single field value may be arbitrarily
// large, a message is carried as one or more frames: each field value is
// split into chunks of at most MaxFrameSize bytes and frame i carries the
// i-th chunk of every field. The receiving side buffers the fragments
// under the (command, session id) key and concatenates them field-wise
// when the final fragment arrives. A message whose fields all fit in a
// single chunk is carried as exactly one frame and needs no buffering.
//
// Frames are msgpack-encoded on the underlying byte stream, preceded by a
// big-endian uint32 length. The protocol is symmetric: both sides encode
// and decode with the same Codec. Each Codec owns its own reassembly
// buffer, so independent links never share state.
package wire
