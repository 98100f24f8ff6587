package main

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"

	"github.com/trickstertwo/xtestbus/node"
	"github.com/trickstertwo/xtestbus/rpc"
)

const hostManifest = `
tests:
  - name: TestA
    namespace: pkg
    duration: 2ms
  - name: TestB
    namespace: pkg
    outcome: failed
    message: want 1, got 2
`

// TestRunServe tests a full client session: handshake, discovery, a run and exit.
func TestRunServe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := defaultHostConfig()
	cfg.Client.Host = "127.0.0.1"
	cfg.Client.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Manifest = writeFile(t, "tests.yaml", hostManifest)
	require.NoError(t, cfg.Validate())

	served := make(chan error, 1)
	go func() { served <- runServe(ctx, cfg, xlog.Default()) }()

	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()
	w := rpc.NewMessageWriter(conn, rpc.JSONFormatter{})
	r := rpc.NewMessageReader(conn, rpc.JSONFormatter{})

	require.NoError(t, w.WriteMessage(ctx, &rpc.Request{ID: 1, Method: rpc.MethodInitialize, Params: rpc.InitializeParams{
		ProcessID:  99,
		ClientInfo: rpc.ClientInfo{Name: "ide", Version: "1.0"},
	}}))
	msg, err := r.ReadMessage(ctx)
	require.NoError(t, err)
	resp, ok := msg.(*rpc.Response)
	require.True(t, ok)
	result, err := rpc.DecodeResult[rpc.InitializeResult](resp, rpc.TagInitializeResult)
	require.NoError(t, err)
	assert.Equal(t, "xtesthost", result.ServerInfo.Name)
	assert.True(t, result.Capabilities.SupportsDiscovery)

	// exchange sends a request and collects pushed states until its reply.
	exchange := func(req *rpc.Request) (states []string, runs []string) {
		require.NoError(t, w.WriteMessage(ctx, req))
		for {
			msg, err := r.ReadMessage(ctx)
			require.NoError(t, err)
			switch m := msg.(type) {
			case *rpc.Notification:
				p, ok := m.Params.(rpc.TestUpdatesParams)
				require.True(t, ok, "unexpected notification %s", m.Method)
				runs = append(runs, p.RunID)
				for _, c := range p.Changes {
					states = append(states, c.Node.Properties.State().ExecutionState())
				}
			case *rpc.Response:
				require.Equal(t, req.ID, m.ID)
				return states, runs
			default:
				t.Fatalf("unexpected reply %T", msg)
			}
		}
	}

	states, runs := exchange(&rpc.Request{ID: 2, Method: rpc.MethodDiscoverTests, Params: rpc.DiscoverArgs{RunID: "d1", Filter: "testb"}})
	assert.Equal(t, []string{node.StateDiscovered}, states)
	assert.Equal(t, []string{"d1"}, runs)

	states, runs = exchange(&rpc.Request{ID: 3, Method: rpc.MethodRunTests, Params: rpc.RunArgs{RunID: "r1"}})
	assert.Equal(t, []string{
		node.StateInProgress, node.StatePassed,
		node.StateInProgress, node.StateFailed,
	}, states)
	assert.Equal(t, []string{"r1", "r1", "r1", "r1"}, runs)

	require.NoError(t, w.WriteMessage(ctx, &rpc.Notification{Method: rpc.MethodExit}))
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("serve did not return after exit")
	}
}

// TestRunServe_MissingManifest tests that nothing is dialed without a manifest.
func TestRunServe_MissingManifest(t *testing.T) {
	cfg := defaultHostConfig()
	cfg.Client.Port = 1
	cfg.Manifest = "does-not-exist.yaml"
	assert.Error(t, runServe(context.Background(), cfg, xlog.Default()))
}
