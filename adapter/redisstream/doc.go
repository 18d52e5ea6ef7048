// Package redisstream provides a Redis Streams transport for xrsocket.
//
// Transport name: "redis-streams"
//
// Setup entries go to a shared request stream read by a consumer group, so
// each connection lands on one responder. The accepting responder answers on
// the connection's reply stream and names its private stream, which carries
// every later entry of that connection. Responses, errors and completions
// travel back on the reply stream, correlated by stream id.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - stream: shared request stream (default "xrsocket")
// - group: consumer group name (default "xrsocket")
// - consumer: consumer name (default "xrsocket-<host>-<pid>")
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREAD/XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
//
// Example builder usage:
//
//	cfg := redisstream.Defaults()
//	cfg.Addr = "localhost:6379"
//	d, t := redisstream.Use(cfg, redisstream.WithLogger(logger))
//	go d.Serve(ctx, t)
package redisstream
