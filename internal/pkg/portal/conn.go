package portal

// Conn is one live client connection as the registry sees it. The
// concrete type is owned by the protocol front (telnet, websocket, a bot
// opened on the server's behalf); the registry only delivers output and
// orders closes through it.
type Conn interface {
	// Address returns the remote address of the client.
	Address() string
	// Deliver writes output to the client. A nil text is a pure
	// out-of-band message with no displayable payload.
	Deliver(text *string, data map[string]any) error
	// Close tears down the client connection with an optional reason
	// shown to the client.
	Close(reason string) error
}
