// Package mockengine is an in-memory media engine. It implements the full
// mediaengine surface without touching the network, tracks enough state to
// answer CanConsume honestly, and lets tests inject failures, delays and
// spontaneous closures.
package mockengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
)

// Operation names accepted by FailNext and SetDelay.
const (
	OpNewWorker    = "newWorker"
	OpNewRouter    = "newRouter"
	OpNewTransport = "newTransport"
	OpConnect      = "connect"
	OpProduce      = "produce"
	OpConsume      = "consume"
)

// Engine is the in-memory engine root.
type Engine struct {
	mu        sync.Mutex
	workers   []*Worker
	producers map[string]*Producer
	failNext  map[string]error
	delays    map[string]time.Duration
}

func New() *Engine {
	return &Engine{
		producers: make(map[string]*Producer),
		failNext:  make(map[string]error),
		delays:    make(map[string]time.Duration),
	}
}

// FailNext makes the next invocation of the named operation return err.
// The injection is consumed by the first matching call.
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[op] = err
}

// SetDelay makes every invocation of the named operation sleep for d before
// completing. The sleep respects the caller's context.
func (e *Engine) SetDelay(op string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays[op] = d
}

// gate applies injected delay and failure for the operation.
func (e *Engine) gate(ctx context.Context, op string) error {
	e.mu.Lock()
	delay := e.delays[op]
	err, failing := e.failNext[op]
	if failing {
		delete(e.failNext, op)
	}
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing {
		return err
	}
	return ctx.Err()
}

func (e *Engine) NewWorker(ctx context.Context, settings mediaengine.WorkerSettings) (mediaengine.Worker, error) {
	if err := e.gate(ctx, OpNewWorker); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w := &Worker{engine: e, id: len(e.workers), settings: settings}
	e.workers = append(e.workers, w)
	return w, nil
}

// Producer returns the live producer with the given id, or nil. Lets tests
// reach the handle behind an id that crossed the signaling boundary.
func (e *Engine) Producer(id string) *Producer {
	return e.lookupProducer(id)
}

// Workers returns all workers created so far, in creation order.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Worker(nil), e.workers...)
}

func (e *Engine) registerProducer(p *Producer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.producers[p.id] = p
}

func (e *Engine) lookupProducer(id string) *Producer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producers[id]
}

func (e *Engine) unregisterProducer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.producers, id)
}

// Worker is an in-memory media worker.
type Worker struct {
	engine   *Engine
	id       int
	settings mediaengine.WorkerSettings

	mu      sync.Mutex
	cpu     float64
	routers int
	died    bool
	onDied  []func(error)
	closed  bool
}

func (w *Worker) ID() int { return w.id }

func (w *Worker) CPUUsage() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cpu
}

// SetCPUUsage lets tests steer the pool's load metric.
func (w *Worker) SetCPUUsage(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cpu = v
}

func (w *Worker) RouterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routers
}

func (w *Worker) OnDied(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = append(w.onDied, fn)
}

// Kill simulates a fatal worker error: registered OnDied callbacks fire once.
func (w *Worker) Kill(err error) {
	w.mu.Lock()
	if w.died {
		w.mu.Unlock()
		return
	}
	w.died = true
	var callbacks []func(error)
	callbacks = append(callbacks, w.onDied...)
	w.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
}

func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *Worker) NewRouter(ctx context.Context, codecs []mediaengine.CodecCapability) (mediaengine.Router, error) {
	if err := w.engine.gate(ctx, OpNewRouter); err != nil {
		return nil, err
	}

	caps, err := capabilitiesJSON(codecs)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.routers++
	w.mu.Unlock()

	return &Router{
		engine: w.engine,
		worker: w,
		id:     uuid.NewString(),
		codecs: codecs,
		caps:   caps,
	}, nil
}

// capabilitiesJSON renders the router's codec list in the engine-native form
// clients consume, with codec parameters folded into an SDP fmtp line.
func capabilitiesJSON(codecs []mediaengine.CodecCapability) (json.RawMessage, error) {
	type capability struct {
		Kind        mediaengine.MediaKind `json:"kind"`
		MimeType    string                `json:"mimeType"`
		ClockRate   uint32                `json:"clockRate"`
		Channels    uint16                `json:"channels,omitempty"`
		SDPFmtpLine string                `json:"sdpFmtpLine,omitempty"`
	}

	caps := make([]capability, 0, len(codecs))
	for _, codec := range codecs {
		rtp := codec.RTPCodecCapability()
		caps = append(caps, capability{
			Kind:        codec.Kind,
			MimeType:    rtp.MimeType,
			ClockRate:   rtp.ClockRate,
			Channels:    rtp.Channels,
			SDPFmtpLine: rtp.SDPFmtpLine,
		})
	}

	return json.Marshal(struct {
		Codecs []capability `json:"codecs"`
	}{Codecs: caps})
}

// Router is an in-memory router. CanConsume compares the producer's mime type
// against the codecs listed in the consumer's capabilities.
type Router struct {
	engine *Engine
	worker *Worker
	id     string
	codecs []mediaengine.CodecCapability
	caps   json.RawMessage

	mu     sync.Mutex
	closed bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() json.RawMessage { return r.caps }

func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	producer := r.engine.lookupProducer(producerID)
	if producer == nil {
		return false
	}

	for _, mime := range codecMimeTypes(rtpCapabilities) {
		if strings.EqualFold(mime, producer.mimeType) {
			return true
		}
	}
	return false
}

// codecMimeTypes extracts the mimeType of every codec in a capabilities blob.
func codecMimeTypes(caps json.RawMessage) []string {
	var parsed struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(caps, &parsed); err != nil {
		return nil
	}

	mimes := make([]string, 0, len(parsed.Codecs))
	for _, c := range parsed.Codecs {
		mimes = append(mimes, c.MimeType)
	}
	return mimes
}

func (r *Router) NewTransport(ctx context.Context, options mediaengine.TransportOptions) (mediaengine.Transport, error) {
	if err := r.engine.gate(ctx, OpNewTransport); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}

	ip := options.AnnouncedIP
	if ip == "" {
		ip = "127.0.0.1"
	}

	t := &Transport{
		engine: r.engine,
		router: r,
		id:     uuid.NewString(),
		info: mediaengine.TransportInfo{
			ICEParameters: mediaengine.ICEParameters{
				UsernameFragment: uuid.NewString()[:8],
				Password:         uuid.NewString(),
				ICELite:          true,
			},
			ICECandidates: []mediaengine.ICECandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				IP:         ip,
				Protocol:   "udp",
				Port:       r.worker.settings.RTCMinPort,
				Type:       "host",
			}},
			DTLSParameters: mediaengine.DTLSParameters{
				Role: "auto",
				Fingerprints: []mediaengine.DTLSFingerprint{{
					Algorithm: "sha-256",
					Value:     uuid.NewString(),
				}},
			},
		},
	}
	t.info.ID = t.id

	if options.EnableSCTP {
		t.info.SCTPParameters = &mediaengine.SCTPParameters{
			Port:           5000,
			OS:             1024,
			MIS:            1024,
			MaxMessageSize: 262144,
		}
	}

	return t, nil
}

func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	r.worker.mu.Lock()
	r.worker.routers--
	r.worker.mu.Unlock()
	return nil
}

// Closed reports whether the router has been released.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport is an in-memory transport.
type Transport struct {
	engine *Engine
	router *Router
	id     string
	info   mediaengine.TransportInfo

	mu        sync.Mutex
	connected bool
	closed    bool
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() mediaengine.TransportInfo { return t.info }

// Connected reports whether Connect succeeded at least once.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	if err := t.engine.gate(ctx, OpConnect); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s is closed", t.id)
	}
	t.connected = true
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind mediaengine.MediaKind, rtpParameters json.RawMessage) (mediaengine.Producer, error) {
	if err := t.engine.gate(ctx, OpProduce); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s is closed", t.id)
	}
	t.mu.Unlock()

	mime := producerMimeType(kind, rtpParameters)
	p := &Producer{
		engine:   t.engine,
		id:       uuid.NewString(),
		kind:     kind,
		mimeType: mime,
	}
	t.engine.registerProducer(p)
	return p, nil
}

// producerMimeType digs the mime type out of the engine-native rtpParameters;
// falls back to the kind's default codec when absent.
func producerMimeType(kind mediaengine.MediaKind, rtpParameters json.RawMessage) string {
	var parsed struct {
		MimeType string `json:"mimeType"`
		Codecs   []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpParameters, &parsed); err == nil {
		if len(parsed.Codecs) > 0 && parsed.Codecs[0].MimeType != "" {
			return parsed.Codecs[0].MimeType
		}
		if parsed.MimeType != "" {
			return parsed.MimeType
		}
	}

	if kind == mediaengine.KindAudio {
		return "audio/opus"
	}
	return "video/VP8"
}

func (t *Transport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage, paused bool) (mediaengine.Consumer, error) {
	if err := t.engine.gate(ctx, OpConsume); err != nil {
		return nil, err
	}

	producer := t.engine.lookupProducer(producerID)
	if producer == nil {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}

	params, _ := json.Marshal(struct {
		Codecs []map[string]any `json:"codecs"`
	}{Codecs: []map[string]any{{"mimeType": producer.mimeType}}})

	return &Consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       producer.kind,
		params:     params,
		paused:     paused,
	}, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Closed reports whether the transport has been closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Producer is an in-memory producer.
type Producer struct {
	engine   *Engine
	id       string
	kind     mediaengine.MediaKind
	mimeType string

	mu      sync.Mutex
	paused  bool
	closed  bool
	onClose []func()
}

func (p *Producer) ID() string { return p.id }

func (p *Producer) Kind() mediaengine.MediaKind { return p.kind }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = append(p.onClose, fn)
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.engine.unregisterProducer(p.id)
	return nil
}

// CloseFromEngine simulates a spontaneous engine-side closure: the producer
// closes and OnClose callbacks fire.
func (p *Producer) CloseFromEngine() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var callbacks []func()
	callbacks = append(callbacks, p.onClose...)
	p.mu.Unlock()

	p.engine.unregisterProducer(p.id)
	for _, fn := range callbacks {
		fn()
	}
}

// Closed reports whether the producer has been closed.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer is an in-memory consumer.
type Consumer struct {
	id         string
	producerID string
	kind       mediaengine.MediaKind
	params     json.RawMessage

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string { return c.id }

func (c *Consumer) ProducerID() string { return c.producerID }

func (c *Consumer) Kind() mediaengine.MediaKind { return c.kind }

func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether the consumer has been closed.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
