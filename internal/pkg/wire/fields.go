package wire

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Data message field names.
const (
	fieldText = "text"
	fieldOOB  = "oob"
)

// DataFields encodes the payload of a MsgPortal2Server or MsgServer2Portal
// message. A nil text is a pure out-of-band message and is distinguished
// on the wire from an empty string by omitting the text field entirely.
func DataFields(text *string, data map[string]any) (map[string][]byte, error) {
	fields := make(map[string][]byte, 2)
	if text != nil {
		fields[fieldText] = []byte(*text)
	}
	if len(data) > 0 {
		oob, err := msgpack.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "marshal out-of-band data failed")
		}
		fields[fieldOOB] = oob
	}
	return fields, nil
}

// ParseDataFields decodes the payload of a data message. Text is nil when
// the message carried no displayable text.
func ParseDataFields(fields map[string][]byte) (*string, map[string]any, error) {
	var text *string
	if raw, ok := fields[fieldText]; ok {
		s := string(raw)
		text = &s
	}
	var data map[string]any
	if raw, ok := fields[fieldOOB]; ok && len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &data); err != nil {
			return nil, nil, errors.Wrap(err, "unmarshal out-of-band data failed")
		}
	}
	return text, data, nil
}
