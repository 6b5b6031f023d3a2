// Package flowmill is a message router: broker consumers pull message
// pointers off a queue (SQS, NATS JetStream, ActiveMQ, or an embedded
// SQLite store), the queue manager routes each pointer to its process
// pool, and the pool mediates it to the target URL over HTTP with
// bounded concurrency, a sliding-window rate limit, and a per-target
// circuit breaker in front of the call.
//
// The target's HTTP response decides the message's fate: a 2xx with an
// acknowledging body acks it, a 4xx acks it as permanently
// misconfigured, and everything else nacks it back to the broker for
// redelivery, with a delay when the broker supports one.
//
// A minimal setup loads a Config, builds a Router, and starts it:
//
//	cfg, err := flowmill.LoadConfig("router.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	router, err := flowmill.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := router.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer router.Stop(context.Background())
//
// The router serves /health, /metrics (Prometheus), read-only
// /monitoring/* projections and /admin/* operations on
// Config.HTTPServerAddress, or embedders can mount Router.Handler on
// their own server.
//
// # Brokers
//
// Four broker adapters ship in the box and register themselves when the
// root package is imported:
//   - sqs: AWS SQS, visibility-timeout driven redelivery
//   - nats: NATS JetStream durable pull consumers
//   - activemq: STOMP with client-individual acknowledgement
//   - embedded: file-backed SQLite queue, no external infrastructure
//
// Additional adapters can be plugged in through the broker registry.
package flowmill
