package rpc

import "fmt"

// EncodeMessage builds the generic envelope of m.
func EncodeMessage(m Message) (map[string]any, error) {
	env := map[string]any{"jsonrpc": Version}
	switch v := m.(type) {
	case *Request:
		env["id"] = v.ID
		env["method"] = v.Method
		if err := putParams(env, v.Params); err != nil {
			return nil, err
		}
	case *Notification:
		env["method"] = v.Method
		if err := putParams(env, v.Params); err != nil {
			return nil, err
		}
	case *Response:
		env["id"] = v.ID
		result, err := encodeResult(v.Result)
		if err != nil {
			return nil, err
		}
		env["result"] = result
	case *ErrorMessage:
		env["id"] = v.ID
		e := map[string]any{"code": int64(v.Code), "message": v.Message}
		if v.Data != nil {
			e["data"] = v.Data
		}
		env["error"] = e
	default:
		return nil, fmt.Errorf("rpc: cannot encode %T", m)
	}
	return env, nil
}

func putParams(env map[string]any, p Payload) error {
	if p == nil {
		return nil
	}
	params, err := SerializePayload(p)
	if err != nil {
		return err
	}
	env["params"] = params
	return nil
}

func encodeResult(r any) (any, error) {
	switch v := r.(type) {
	case nil:
		return map[string]any{}, nil
	case Payload:
		return SerializePayload(v)
	default:
		return v, nil
	}
}

// DecodeMessage is the second decoding phase: it picks the variant from the
// envelope fields of an already parsed generic map. A "method" selects a
// request or notification, "error" an error reply and "result" a response.
// Params of unknown methods decode as RawParams.
func DecodeMessage(env map[string]any) (Message, error) {
	if env == nil {
		return nil, protocolErrorf(CodeInvalidRequest, "empty envelope")
	}
	if v, _ := env["jsonrpc"].(string); v != Version {
		return nil, protocolErrorf(CodeInvalidRequest, "unsupported jsonrpc version %v", env["jsonrpc"])
	}

	if raw, ok := env["method"]; ok {
		method, ok := raw.(string)
		if !ok || method == "" {
			return nil, protocolErrorf(CodeInvalidRequest, "method is %T, not a string", raw)
		}
		params, err := decodeParams(method, env["params"])
		if err != nil {
			return nil, err
		}
		if idRaw, hasID := env["id"]; hasID && idRaw != nil {
			id, err := parseID(idRaw)
			if err != nil {
				return nil, err
			}
			return &Request{ID: id, Method: method, Params: params}, nil
		}
		return &Notification{Method: method, Params: params}, nil
	}

	if raw, ok := env["error"]; ok {
		e, ok := raw.(map[string]any)
		if !ok {
			return nil, protocolErrorf(CodeInvalidRequest, "error is %T, not an object", raw)
		}
		var id int64
		if idRaw := env["id"]; idRaw != nil {
			var err error
			if id, err = parseID(idRaw); err != nil {
				return nil, err
			}
		}
		code, _ := getInt64(e, "code")
		return &ErrorMessage{ID: id, Code: int(code), Message: getString(e, "message"), Data: e["data"]}, nil
	}

	if result, ok := env["result"]; ok {
		id, err := parseID(env["id"])
		if err != nil {
			return nil, err
		}
		return &Response{ID: id, Result: result}, nil
	}

	return nil, protocolErrorf(CodeInvalidRequest, "envelope has neither method, result nor error")
}

func decodeParams(method string, raw any) (Payload, error) {
	tag, known := methodParams[method]
	if !known {
		m, _ := raw.(map[string]any)
		if m == nil {
			m = map[string]any{}
		}
		return RawParams{Values: m}, nil
	}
	p, err := DeserializePayload(tag, raw)
	if err != nil {
		return nil, fmt.Errorf("rpc: params of %s: %w", method, err)
	}
	return p, nil
}

// DecodeResult decodes a generic response result as the payload registered under tag.
func DecodeResult[T Payload](r *Response, tag Tag) (T, error) {
	var zero T
	p, err := DeserializePayload(tag, r.Result)
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("rpc: result decoded as %T", p)
	}
	return v, nil
}
