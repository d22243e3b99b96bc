package msg

import (
	"encoding/json"
	"fmt"
)

// Format identifies the wire encoding negotiated for a connection.
type Format int

const (
	FormatJSON Format = iota
	FormatCBOR
	FormatMsgpack
)

var formatNames = map[Format]string{
	FormatJSON:    "json",
	FormatCBOR:    "cbor",
	FormatMsgpack: "msgpack",
}

var formatFromName = map[string]Format{
	"json":    FormatJSON,
	"cbor":    FormatCBOR,
	"msgpack": FormatMsgpack,
}

func (f Format) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return "unknown"
}

// Binary reports whether frames in this format go out as WebSocket
// binary messages rather than text.
func (f Format) Binary() bool {
	return f != FormatJSON
}

// ParseFormat maps a query-string token to a Format. Unrecognized
// tokens are an error, distinct from the token being absent entirely.
func ParseFormat(s string) (Format, error) {
	if f, ok := formatFromName[s]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}
