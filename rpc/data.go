package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/trickstertwo/xtestbus"
	"github.com/trickstertwo/xtestbus/node"
)

// Codec names registered with xtestbus.RegisterCodec.
const (
	CodecJSON = "rpc-json"
	CodecCBOR = "rpc-cbor"
)

func init() {
	for name, f := range map[string]xtestbus.CodecFactory{
		CodecJSON: func() xtestbus.Codec { return DataCodec{name: CodecJSON} },
		CodecCBOR: func() xtestbus.Codec { return DataCodec{name: CodecCBOR, cbor: true} },
	} {
		if err := xtestbus.RegisterCodec(name, f); err != nil {
			panic(fmt.Errorf("rpc: failed to register codec %q: %w", name, err))
		}
	}
}

// SerializeData flattens bus data into the generic shape used on the wire.
// Test node updates and file artifacts use the protocol layout; anything else
// is reduced to its display name and description.
func SerializeData(d xtestbus.Data) (map[string]any, error) {
	switch v := d.(type) {
	case nil:
		return nil, xtestbus.ErrNilData
	case node.TestNodeUpdateMessage:
		if v.Node() == nil {
			return nil, fmt.Errorf("rpc: update message without node")
		}
		m := map[string]any{
			"sessionUid": v.SessionUID(),
			"node":       serializeTestNode(v.Node()),
		}
		if v.ParentUID() != "" {
			m["parent"] = v.ParentUID()
		}
		return m, nil
	case node.FileArtifact:
		m := map[string]any{
			"sessionUid":   v.SessionUID(),
			"uri":          fileURI(v.Path()),
			"display-name": v.DisplayName(),
			"description":  v.Description(),
		}
		if v.Node() != nil {
			m["node"] = serializeTestNode(v.Node())
		}
		return m, nil
	default:
		return map[string]any{"display-name": d.DisplayName(), "description": d.Description()}, nil
	}
}

// DataCodec encodes bus data with SerializeData. Values that are not bus data
// are encoded as they are.
type DataCodec struct {
	name string
	cbor bool
}

func (c DataCodec) Name() string { return c.name }

func (c DataCodec) Marshal(v any) ([]byte, error) {
	if d, ok := v.(xtestbus.Data); ok {
		m, err := SerializeData(d)
		if err != nil {
			return nil, err
		}
		v = m
	}
	if c.cbor {
		return cborEnc.Marshal(v)
	}
	return json.Marshal(v)
}

func (c DataCodec) Unmarshal(data []byte, v any) error {
	if c.cbor {
		return cborDec.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
