// Package redisstream mirrors bus data into a Redis Stream so runs can be
// inspected or replayed outside the test process.
//
// Sink name: "redis-streams"
//
// Config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - username, password, db
//   - tls, tls_server_name
//   - stream: target stream (default "xtestbus")
//   - max_len_approx: approximate MAXLEN trimming (default 0, unbounded)
//   - codec: registered xtestbus codec for payloads (default "rpc-json", the protocol node layout)
//   - uid: consumer identity (default "redis-streams")
//   - timeout: per-write timeout (default 2s)
//
// Example builder usage:
//
//	bus, _ := xtestbus.NewBusBuilder().
//	    WithSink(redisstream.SinkName, map[string]any{
//	        "addr":           "localhost:6379",
//	        "stream":         "ci-run-42",
//	        "codec":          "rpc-json",
//	        "max_len_approx": 10000,
//	    }).
//	    Build(ctx)
package redisstream
