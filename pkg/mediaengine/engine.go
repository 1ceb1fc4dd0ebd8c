// Package mediaengine defines the boundary between the conference core and the
// native media engine that owns routers, WebRTC transports, producers and
// consumers. The core never sees RTP; it only holds the opaque handles defined
// here and calls them. Concrete engines (the production one lives out of tree,
// an in-memory one under mockengine) implement these interfaces.
package mediaengine

import (
	"context"
	"encoding/json"
)

// Engine spawns media workers. One engine instance backs the whole process.
type Engine interface {
	// NewWorker starts a media worker. Workers are long-lived; the pool creates
	// a fixed number of them at startup.
	NewWorker(ctx context.Context, settings WorkerSettings) (Worker, error)
}

// Worker is a single media worker (typically one per CPU core). A worker backs
// many routers; routers are never shared between conferences.
type Worker interface {
	ID() int

	// NewRouter creates a router pre-loaded with the given codec list.
	NewRouter(ctx context.Context, codecs []CodecCapability) (Router, error)

	// CPUUsage reports the worker's load in [0, 1]. The value is updated
	// asynchronously by the worker; reads may be slightly stale.
	CPUUsage() float64

	// RouterCount reports the number of live routers on this worker.
	RouterCount() int

	// OnDied registers a callback invoked once if the worker dies fatally.
	OnDied(fn func(err error))

	Close() error
}

// Router is the per-conference media-routing object.
type Router interface {
	ID() string

	// RTPCapabilities returns the router's codec/header-extension descriptor in
	// the engine's native JSON form. The core passes it through to clients.
	RTPCapabilities() json.RawMessage

	// CanConsume reports whether a consumer with the given RTP capabilities
	// could receive the given producer.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool

	NewTransport(ctx context.Context, options TransportOptions) (Transport, error)

	Close() error
}

// Transport is a directional ICE/DTLS endpoint belonging to one participant.
type Transport interface {
	ID() string

	// Info returns the descriptor the client needs to establish the transport.
	Info() TransportInfo

	// Connect finishes DTLS setup with the client-provided parameters.
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error

	// Produce creates a producer receiving RTP from the client on this
	// transport. rtpParameters are engine-native and passed through opaquely.
	Produce(ctx context.Context, kind MediaKind, rtpParameters json.RawMessage) (Producer, error)

	// Consume creates a consumer forwarding producerID's RTP to the client.
	Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (Consumer, error)

	Close() error
}

// Producer is a server-side object receiving one RTP stream from a client.
type Producer interface {
	ID() string
	Kind() MediaKind
	Paused() bool
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// OnClose registers a callback invoked once when the engine closes the
	// producer spontaneously (not as a result of Close).
	OnClose(fn func())

	Close() error
}

// Consumer forwards one producer's RTP to one client transport.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() MediaKind

	// RTPParameters returns the engine-negotiated parameters the client needs
	// to receive this consumer.
	RTPParameters() json.RawMessage

	Paused() bool
	Resume(ctx context.Context) error
	Close() error
}
