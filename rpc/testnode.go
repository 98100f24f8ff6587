package rpc

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xtestbus/node"
)

// Flattened TestNode wire keys.
const (
	keyUID             = "uid"
	keyDisplayName     = "display-name"
	keyNodeType        = "node-type"
	keyExecutionState  = "execution-state"
	keyErrorMessage    = "error.message"
	keyErrorStackTrace = "error.stacktrace"
	keyLocationFile    = "location.file"
	keyLineStart       = "location.line-start"
	keyLineEnd         = "location.line-end"
	keyNamespace       = "location.namespace"
	keyType            = "location.type"
	keyMethod          = "location.method"
	keyStartUTC        = "time.start-utc"
	keyStopUTC         = "time.stop-utc"
	keyDurationMs      = "time.duration-ms"
	keyTraits          = "traits"
)

func serializeTestNode(n *node.TestNode) map[string]any {
	m := map[string]any{
		keyUID:         n.UID,
		keyDisplayName: n.DisplayName,
		keyNodeType:    n.Type(),
	}

	if s := n.Properties.State(); s != nil {
		m[keyExecutionState] = s.ExecutionState()
		if f, ok := s.(node.FailureState); ok {
			msg, stack := f.Failure()
			if msg != "" {
				m[keyErrorMessage] = msg
			}
			if stack != "" {
				m[keyErrorStackTrace] = stack
			}
		}
		if sk, ok := s.(node.SkippedState); ok && sk.Reason != "" {
			m[keyErrorMessage] = sk.Reason
		}
	}

	if locs := node.OfType[node.FileLocationProperty](n.Properties); len(locs) > 0 {
		m[keyLocationFile] = locs[0].FilePath
		m[keyLineStart] = int64(locs[0].LineStart)
		m[keyLineEnd] = int64(locs[0].LineEnd)
	}
	if ids := node.OfType[node.MethodIdentifierProperty](n.Properties); len(ids) > 0 {
		m[keyNamespace] = ids[0].Namespace
		m[keyType] = ids[0].TypeName
		m[keyMethod] = ids[0].MethodName
	}
	if timings := node.OfType[node.TimingProperty](n.Properties); len(timings) > 0 {
		t := timings[0]
		if !t.Start.IsZero() {
			m[keyStartUTC] = t.Start.UTC().Format(time.RFC3339Nano)
		}
		if !t.End.IsZero() {
			m[keyStopUTC] = t.End.UTC().Format(time.RFC3339Nano)
		}
		m[keyDurationMs] = float64(t.Duration) / float64(time.Millisecond)
	}

	if traits := node.OfType[node.MetadataProperty](n.Properties); len(traits) > 0 {
		out := make([]any, 0, len(traits))
		for _, tr := range traits {
			out = append(out, map[string]any{"key": tr.Key, "value": tr.Value})
		}
		m[keyTraits] = out
	}
	return m
}

func deserializeTestNode(m map[string]any) (*node.TestNode, error) {
	uid := getString(m, keyUID)
	if uid == "" {
		return nil, protocolErrorf(CodeInvalidParams, "test node without %s", keyUID)
	}

	var props []node.Property
	if st, ok := m[keyExecutionState].(string); ok {
		state, err := stateFromWire(st, getString(m, keyErrorMessage), getString(m, keyErrorStackTrace))
		if err != nil {
			return nil, err
		}
		props = append(props, state)
	}

	if file := getString(m, keyLocationFile); file != "" {
		start, _ := getInt64(m, keyLineStart)
		end, _ := getInt64(m, keyLineEnd)
		props = append(props, node.FileLocationProperty{FilePath: file, LineStart: int(start), LineEnd: int(end)})
	}
	if method := getString(m, keyMethod); method != "" {
		props = append(props, node.MethodIdentifierProperty{
			Namespace:  getString(m, keyNamespace),
			TypeName:   getString(m, keyType),
			MethodName: method,
		})
	}

	var timing node.TimingProperty
	hasTiming := false
	if s := getString(m, keyStartUTC); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, &ProtocolError{Code: CodeInvalidParams, Msg: keyStartUTC, Err: err}
		}
		timing.Start, hasTiming = t, true
	}
	if s := getString(m, keyStopUTC); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, &ProtocolError{Code: CodeInvalidParams, Msg: keyStopUTC, Err: err}
		}
		timing.End, hasTiming = t, true
	}
	if ms, ok := getFloat64(m, keyDurationMs); ok {
		timing.Duration, hasTiming = time.Duration(ms*float64(time.Millisecond)), true
	}
	if hasTiming {
		props = append(props, timing)
	}

	// Repeated identical traits collapse into one.
	seenTraits := make(map[node.MetadataProperty]bool)
	for _, raw := range getSlice(m, keyTraits) {
		tr, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		trait := node.MetadataProperty{Key: getString(tr, "key"), Value: getString(tr, "value")}
		if seenTraits[trait] {
			continue
		}
		seenTraits[trait] = true
		props = append(props, trait)
	}

	n, err := node.NewTestNode(uid, getString(m, keyDisplayName), props...)
	if err != nil {
		return nil, &ProtocolError{Code: CodeInvalidParams, Msg: "test node", Err: err}
	}
	return n, nil
}

func stateFromWire(state, message, stack string) (node.StateProperty, error) {
	switch state {
	case node.StateDiscovered:
		return node.DiscoveredState{}, nil
	case node.StateInProgress:
		return node.InProgressState{}, nil
	case node.StatePassed:
		return node.PassedState{}, nil
	case node.StateSkipped:
		return node.SkippedState{Reason: message}, nil
	case node.StateFailed:
		return node.FailedState{Explanation: message, StackTrace: stack}, nil
	case node.StateError:
		return node.ErrorState{Explanation: message, StackTrace: stack}, nil
	case node.StateTimedOut:
		return node.TimeoutState{Explanation: message, StackTrace: stack}, nil
	case node.StateCancelled:
		return node.CancelledState{Explanation: message, StackTrace: stack}, nil
	default:
		return nil, &ProtocolError{Code: CodeInvalidParams, Msg: fmt.Sprintf("unknown execution state %q", state)}
	}
}

func serializeNodes(nodes []*node.TestNode) []any {
	out := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			out = append(out, serializeTestNode(n))
		}
	}
	return out
}

func deserializeNodes(raw []any) ([]*node.TestNode, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]*node.TestNode, 0, len(raw))
	for i, r := range raw {
		m, ok := r.(map[string]any)
		if !ok {
			return nil, protocolErrorf(CodeInvalidParams, "tests[%d] is %T, not an object", i, r)
		}
		n, err := deserializeTestNode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
