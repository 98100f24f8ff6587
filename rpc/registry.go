package rpc

import (
	"fmt"
	"maps"

	"github.com/trickstertwo/xtestbus/node"
)

// codec is one registry entry.
type codec struct {
	serialize   func(Payload) (map[string]any, error)
	deserialize func(map[string]any) (Payload, error)
}

// entry adapts typed closures to a registry codec.
func entry[T Payload](ser func(T) map[string]any, de func(map[string]any) (T, error)) codec {
	c := codec{
		serialize: func(p Payload) (map[string]any, error) {
			v, ok := p.(T)
			if !ok {
				var zero T
				return nil, fmt.Errorf("rpc: %T is not registered as %s", p, zero.PayloadTag())
			}
			return ser(v), nil
		},
	}
	if de != nil {
		c.deserialize = func(m map[string]any) (Payload, error) { return de(m) }
	}
	return c
}

// registry maps each payload tag to its hand-written codec.
var registry = map[Tag]codec{
	TagEmpty: entry(
		func(Empty) map[string]any { return map[string]any{} },
		func(map[string]any) (Empty, error) { return Empty{}, nil },
	),
	TagRaw: entry(
		func(p RawParams) map[string]any {
			if p.Values == nil {
				return map[string]any{}
			}
			return maps.Clone(p.Values)
		},
		func(m map[string]any) (RawParams, error) { return RawParams{Values: m}, nil },
	),
	TagInitializeParams: entry(
		func(p InitializeParams) map[string]any {
			return map[string]any{
				"processId":  p.ProcessID,
				"clientInfo": map[string]any{"name": p.ClientInfo.Name, "version": p.ClientInfo.Version},
				"capabilities": map[string]any{
					"testing": map[string]any{"debuggerProvider": p.Capabilities.DebuggerProvider},
				},
			}
		},
		func(m map[string]any) (InitializeParams, error) {
			pid, _ := getInt64(m, "processId")
			ci := getMap(m, "clientInfo")
			testing := getMap(getMap(m, "capabilities"), "testing")
			return InitializeParams{
				ProcessID:    pid,
				ClientInfo:   ClientInfo{Name: getString(ci, "name"), Version: getString(ci, "version")},
				Capabilities: ClientCapabilities{DebuggerProvider: getBool(testing, "debuggerProvider")},
			}, nil
		},
	),
	TagInitializeResult: entry(
		func(r InitializeResult) map[string]any {
			return map[string]any{
				"processId":  r.ProcessID,
				"serverInfo": map[string]any{"name": r.ServerInfo.Name, "version": r.ServerInfo.Version},
				"capabilities": map[string]any{
					"testing": map[string]any{
						"supportsDiscovery":                r.Capabilities.SupportsDiscovery,
						"experimental_multiRequestSupport": r.Capabilities.MultiRequestSupport,
						"vstestProvider":                   r.Capabilities.VSTestProvider,
						"attachmentsSupport":               r.Capabilities.AttachmentsSupport,
						"multiConnectionProvider":          r.Capabilities.MultiConnectionProvider,
					},
				},
			}
		},
		func(m map[string]any) (InitializeResult, error) {
			pid, _ := getInt64(m, "processId")
			si := getMap(m, "serverInfo")
			testing := getMap(getMap(m, "capabilities"), "testing")
			return InitializeResult{
				ProcessID:  pid,
				ServerInfo: ServerInfo{Name: getString(si, "name"), Version: getString(si, "version")},
				Capabilities: ServerCapabilities{
					SupportsDiscovery:       getBool(testing, "supportsDiscovery"),
					MultiRequestSupport:     getBool(testing, "experimental_multiRequestSupport"),
					VSTestProvider:          getBool(testing, "vstestProvider"),
					AttachmentsSupport:      getBool(testing, "attachmentsSupport"),
					MultiConnectionProvider: getBool(testing, "multiConnectionProvider"),
				},
			}, nil
		},
	),
	TagDiscoverArgs: entry(
		func(a DiscoverArgs) map[string]any { return serializeRunArgs(a.RunID, a.Tests, a.Filter) },
		func(m map[string]any) (DiscoverArgs, error) {
			tests, err := deserializeNodes(getSlice(m, "tests"))
			if err != nil {
				return DiscoverArgs{}, err
			}
			return DiscoverArgs{RunID: getString(m, "runId"), Tests: tests, Filter: getString(m, "filter")}, nil
		},
	),
	TagRunArgs: entry(
		func(a RunArgs) map[string]any { return serializeRunArgs(a.RunID, a.Tests, a.Filter) },
		func(m map[string]any) (RunArgs, error) {
			tests, err := deserializeNodes(getSlice(m, "tests"))
			if err != nil {
				return RunArgs{}, err
			}
			return RunArgs{RunID: getString(m, "runId"), Tests: tests, Filter: getString(m, "filter")}, nil
		},
	),
	TagTestUpdates: entry(
		func(p TestUpdatesParams) map[string]any {
			changes := make([]any, 0, len(p.Changes))
			for _, c := range p.Changes {
				if c.Node == nil {
					continue
				}
				change := map[string]any{"node": serializeTestNode(c.Node)}
				if c.ParentUID != "" {
					change["parent"] = c.ParentUID
				}
				changes = append(changes, change)
			}
			return map[string]any{"runId": p.RunID, "changes": changes}
		},
		func(m map[string]any) (TestUpdatesParams, error) {
			p := TestUpdatesParams{RunID: getString(m, "runId")}
			for i, raw := range getSlice(m, "changes") {
				c, ok := raw.(map[string]any)
				if !ok {
					return TestUpdatesParams{}, protocolErrorf(CodeInvalidParams, "changes[%d] is %T, not an object", i, raw)
				}
				n, err := deserializeTestNode(getMap(c, "node"))
				if err != nil {
					return TestUpdatesParams{}, err
				}
				p.Changes = append(p.Changes, NodeChange{Node: n, ParentUID: getString(c, "parent")})
			}
			return p, nil
		},
	),
	TagAttachments: entry(
		func(p AttachmentsParams) map[string]any {
			out := make([]any, 0, len(p.Attachments))
			for _, a := range p.Attachments {
				out = append(out, map[string]any{
					"uri":          a.URI,
					"producer":     a.Producer,
					"type":         a.Type,
					"display-name": a.DisplayName,
					"description":  a.Description,
				})
			}
			return map[string]any{"attachments": out}
		},
		func(m map[string]any) (AttachmentsParams, error) {
			var p AttachmentsParams
			for _, raw := range getSlice(m, "attachments") {
				a, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				p.Attachments = append(p.Attachments, Attachment{
					URI:         getString(a, "uri"),
					Producer:    getString(a, "producer"),
					Type:        getString(a, "type"),
					DisplayName: getString(a, "display-name"),
					Description: getString(a, "description"),
				})
			}
			return p, nil
		},
	),
	TagLog: entry(
		func(p LogParams) map[string]any { return map[string]any{"level": p.Level, "message": p.Message} },
		func(m map[string]any) (LogParams, error) {
			return LogParams{Level: getString(m, "level"), Message: getString(m, "message")}, nil
		},
	),
	TagTelemetry: entry(
		func(p TelemetryParams) map[string]any {
			metrics := map[string]any{}
			maps.Copy(metrics, p.Metrics)
			return map[string]any{"eventName": p.EventName, "metrics": metrics}
		},
		func(m map[string]any) (TelemetryParams, error) {
			return TelemetryParams{EventName: getString(m, "eventName"), Metrics: getMap(m, "metrics")}, nil
		},
	),
	TagCancel: entry(
		func(p CancelParams) map[string]any { return map[string]any{"id": p.ID} },
		func(m map[string]any) (CancelParams, error) {
			id, err := parseID(m["id"])
			if err != nil {
				return CancelParams{}, err
			}
			return CancelParams{ID: id}, nil
		},
	),
	TagLaunchDebugger: entry(
		func(p LaunchDebuggerParams) map[string]any {
			env := make(map[string]any, len(p.Environment))
			for k, v := range p.Environment {
				env[k] = v
			}
			return map[string]any{
				"program":          p.Program,
				"args":             p.Args,
				"workingDirectory": p.WorkingDirectory,
				"environment":      env,
			}
		},
		func(m map[string]any) (LaunchDebuggerParams, error) {
			p := LaunchDebuggerParams{
				Program:          getString(m, "program"),
				Args:             getString(m, "args"),
				WorkingDirectory: getString(m, "workingDirectory"),
			}
			if env := getMap(m, "environment"); len(env) > 0 {
				p.Environment = make(map[string]string, len(env))
				for k, v := range env {
					p.Environment[k] = fmt.Sprint(v)
				}
			}
			return p, nil
		},
	),
	TagAttachDebugger: entry(
		func(p AttachDebuggerParams) map[string]any { return map[string]any{"processId": p.ProcessID} },
		func(m map[string]any) (AttachDebuggerParams, error) {
			pid, _ := getInt64(m, "processId")
			return AttachDebuggerParams{ProcessID: pid}, nil
		},
	),
	TagDebuggerResult: entry(
		func(r DebuggerResult) map[string]any { return map[string]any{"success": r.Success} },
		func(m map[string]any) (DebuggerResult, error) { return DebuggerResult{Success: getBool(m, "success")}, nil },
	),
}

// methodParams maps a method name to the tag of its params.
var methodParams = map[string]Tag{
	MethodInitialize:     TagInitializeParams,
	MethodDiscoverTests:  TagDiscoverArgs,
	MethodRunTests:       TagRunArgs,
	MethodTestUpdates:    TagTestUpdates,
	MethodAttachments:    TagAttachments,
	MethodTelemetry:      TagTelemetry,
	MethodLaunchDebugger: TagLaunchDebugger,
	MethodAttachDebugger: TagAttachDebugger,
	MethodLog:            TagLog,
	MethodExit:           TagEmpty,
	MethodCancelRequest:  TagCancel,
}

// KnownMethod reports whether the registry can decode params of method.
func KnownMethod(method string) bool {
	_, ok := methodParams[method]
	return ok
}

func serializeRunArgs(runID string, tests []*node.TestNode, filter string) map[string]any {
	m := map[string]any{"runId": runID}
	if tests != nil {
		m["tests"] = serializeNodes(tests)
	}
	if filter != "" {
		m["filter"] = filter
	}
	return m
}

// SerializePayload encodes p through its registered codec.
func SerializePayload(p Payload) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	c, ok := registry[p.PayloadTag()]
	if !ok {
		return nil, fmt.Errorf("rpc: no codec for payload tag %q", p.PayloadTag())
	}
	return c.serialize(p)
}

// DeserializePayload decodes a generic value as the payload registered under tag.
func DeserializePayload(tag Tag, v any) (Payload, error) {
	c, ok := registry[tag]
	if !ok || c.deserialize == nil {
		return nil, fmt.Errorf("rpc: no decoder for payload tag %q", tag)
	}
	var m map[string]any
	switch t := v.(type) {
	case nil:
		m = map[string]any{}
	case map[string]any:
		m = t
	default:
		return nil, protocolErrorf(CodeInvalidParams, "%s payload is %T, not an object", tag, v)
	}
	return c.deserialize(m)
}
