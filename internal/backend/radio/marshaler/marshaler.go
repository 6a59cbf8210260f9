// Package marshaler implements the encoding of the gateway-bridge messages
// exchanged by the virtual radio.
package marshaler

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/proto"
)

// Type defines the marshaler type.
type Type int

// Marshaler types.
const (
	Protobuf Type = iota
	JSON
)

// ParseType returns the marshaler type for the given name.
func ParseType(s string) (Type, error) {
	switch s {
	case "protobuf", "":
		return Protobuf, nil
	case "json":
		return JSON, nil
	default:
		return Protobuf, fmt.Errorf("unknown marshaler: %s", s)
	}
}

func (t Type) String() string {
	switch t {
	case JSON:
		return "json"
	default:
		return "protobuf"
	}
}

// ContentType returns the content-type of the marshaled messages.
func (t Type) ContentType() string {
	if t == JSON {
		return "application/json"
	}
	return "application/octet-stream"
}

func marshal(t Type, msg proto.Message) ([]byte, error) {
	switch t {
	case JSON:
		m := &jsonpb.Marshaler{
			EmitDefaults: true,
		}
		str, err := m.MarshalToString(msg)
		return []byte(str), err
	default:
		return proto.Marshal(msg)
	}
}

func unmarshal(b []byte, msg proto.Message) (Type, error) {
	var t Type

	if strings.Contains(string(b), `"gatewayID"`) {
		t = JSON
	} else {
		t = Protobuf
	}

	switch t {
	case JSON:
		m := jsonpb.Unmarshaler{
			AllowUnknownFields: true,
		}
		return t, m.Unmarshal(bytes.NewReader(b), msg)
	default:
		return t, proto.Unmarshal(b, msg)
	}
}
