package wire

// pendingKey scopes a multi-part reassembly buffer to one in-flight
// message. Distinct commands and sessions never collide.
type pendingKey struct {
	command   string
	sessionID uint32
}

// Codec fragments outbound messages into frames and reassembles inbound
// fragments into messages. Each link owns exactly one Codec; the pending
// buffer is mutated only from that link's read loop, so no locking is
// needed.
type Codec struct {
	pending map[pendingKey][]map[string][]byte
}

// NewCodec creates a Codec with an empty reassembly buffer.
func NewCodec() *Codec {
	return &Codec{
		pending: make(map[pendingKey][]map[string][]byte),
	}
}

// Encode turns one logical message into the frames that carry it. Each
// field value is split into MaxFrameSize chunks; frame i carries the i-th
// chunk of every field, padding with empty chunks for fields that ran out.
// If every field fits in one chunk a single frame with Total == 1 is
// produced.
func (c *Codec) Encode(command string, sessionID uint32, fields map[string][]byte) []Frame {
	chunked := make(map[string][][]byte, len(fields))
	total := 1
	for name, value := range fields {
		chunks := splitChunks(value)
		chunked[name] = chunks
		if len(chunks) > total {
			total = len(chunks)
		}
	}
	frames := make([]Frame, total)
	for i := 0; i < total; i++ {
		part := make(map[string][]byte, len(fields))
		for name, chunks := range chunked {
			if i < len(chunks) {
				part[name] = chunks[i]
			} else {
				part[name] = []byte{}
			}
		}
		frames[i] = Frame{
			Command:   command,
			SessionID: sessionID,
			Part:      uint16(i),
			Total:     uint16(total),
			Fields:    part,
		}
	}
	return frames
}

// DecodeFrame consumes one received frame. It returns the complete field
// map once the final fragment of a message has arrived, or nil while the
// message is still incomplete. A single-part frame is returned immediately
// without touching the buffer. A final fragment with no buffered prefix
// returns ErrMalformedSequence; the caller logs and drops it.
func (c *Codec) DecodeFrame(f Frame) (map[string][]byte, error) {
	if f.Total <= 1 {
		if f.Fields == nil {
			// A fieldless message is complete, not pending; nil marks
			// pending to the caller.
			return map[string][]byte{}, nil
		}
		return f.Fields, nil
	}
	key := pendingKey{command: f.Command, sessionID: f.SessionID}
	if f.Part < f.Total-1 {
		c.pending[key] = append(c.pending[key], f.Fields)
		return nil, nil
	}
	parts, ok := c.pending[key]
	if !ok {
		return nil, ErrMalformedSequence
	}
	delete(c.pending, key)
	assembled := make(map[string][]byte)
	for _, part := range append(parts, f.Fields) {
		for name, chunk := range part {
			assembled[name] = append(assembled[name], chunk...)
		}
	}
	return assembled, nil
}

// splitChunks slices a field value into MaxFrameSize pieces. A value of
// MaxFrameSize bytes or fewer, including an empty one, yields one chunk.
func splitChunks(value []byte) [][]byte {
	if len(value) <= MaxFrameSize {
		return [][]byte{value}
	}
	var chunks [][]byte
	for len(value) > MaxFrameSize {
		chunks = append(chunks, value[:MaxFrameSize])
		value = value[MaxFrameSize:]
	}
	return append(chunks, value)
}
