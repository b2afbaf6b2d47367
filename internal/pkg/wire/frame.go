package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize is the maximum number of bytes of a single field value
// carried by one frame. Field values larger than this are fragmented
// across multiple frames.
const MaxFrameSize = 65535

// maxWireFrame bounds the total encoded size of one frame on the stream.
// A frame carries one chunk per field plus header overhead, so this only
// trips on a corrupt or hostile peer.
const maxWireFrame = 1 << 24

// Message command names.
const (
	CmdMsgPortal2Server = "MsgPortal2Server"
	CmdMsgServer2Portal = "MsgServer2Portal"
	CmdServerAdmin      = "ServerAdmin"
	CmdPortalAdmin      = "PortalAdmin"
	CmdFunctionCall     = "FunctionCall"
	CmdFunctionReply    = "FunctionReply"
)

// Frame is one wire-level chunk of a possibly larger logical message.
type Frame struct {
	Command   string            `msgpack:"command"`
	SessionID uint32            `msgpack:"session_id"`
	Part      uint16            `msgpack:"part"`
	Total     uint16            `msgpack:"total"`
	Fields    map[string][]byte `msgpack:"fields"`
}

// WriteFrame writes a single length-prefixed frame to the stream.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := msgpack.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame failed")
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header failed")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write frame body failed")
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from the stream.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, errors.Wrap(err, "read frame header failed")
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxWireFrame {
		return Frame{}, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, errors.Wrap(err, "read frame body failed")
	}
	var f Frame
	if err := msgpack.Unmarshal(body, &f); err != nil {
		return Frame{}, errors.Wrap(err, "unmarshal frame failed")
	}
	return f, nil
}
