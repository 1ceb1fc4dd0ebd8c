// Package participant holds the per-peer state of a conference member: its
// two transports, its producers and consumers and its media flags. The type is
// a pure state container; all mutation happens on the owning conference's
// goroutine, so there is no locking here.
package participant

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
)

// Direction distinguishes the two transports of a participant.
type Direction string

const (
	DirectionProducer Direction = "producer"
	DirectionConsumer Direction = "consumer"
)

// Valid reports whether the direction is one of the two known values.
func (d Direction) Valid() bool {
	return d == DirectionProducer || d == DirectionConsumer
}

// StreamType is the application-level tag of a producer: microphone, camera
// or screen share.
type StreamType string

const (
	StreamAudio       StreamType = "audio"
	StreamVideo       StreamType = "video"
	StreamScreenshare StreamType = "screenshare"
)

// DefaultStreamType maps a media kind to the stream type assumed when the
// client does not tag its producer.
func DefaultStreamType(kind mediaengine.MediaKind) StreamType {
	if kind == mediaengine.KindAudio {
		return StreamAudio
	}
	return StreamVideo
}

// TransportState is the lifecycle of a transport as the core tracks it.
type TransportState string

const (
	TransportNew       TransportState = "new"
	TransportConnected TransportState = "connected"
	TransportFailed    TransportState = "failed"
	TransportClosed    TransportState = "closed"
)

// Transport pairs an engine transport handle with its tracked state.
type Transport struct {
	Direction Direction
	State     TransportState
	Handle    mediaengine.Transport

	// DTLS parameters of the successful connect, kept so that an identical
	// retry can be acknowledged without re-invoking the engine.
	connectedDTLS json.RawMessage
}

// Producer pairs an engine producer handle with its stream tag.
type Producer struct {
	Handle     mediaengine.Producer
	StreamType StreamType
	Paused     bool
}

func (p *Producer) ID() string { return p.Handle.ID() }

func (p *Producer) Kind() mediaengine.MediaKind { return p.Handle.Kind() }

// Consumer pairs an engine consumer handle with the identity of the producer
// it is bound to. The cross-reference is by id, never an owning pointer.
type Consumer struct {
	Handle                mediaengine.Consumer
	ProducerID            string
	ProducerParticipantID string
	StreamType            StreamType
	Paused                bool
}

func (c *Consumer) ID() string { return c.Handle.ID() }

// CloseReport lists everything a Close tore down, for the participantLeft
// notification.
type CloseReport struct {
	ProducerIDs []string
	ConsumerIDs []string
}

// Participant is the state of one conference member.
type Participant struct {
	ID       string
	SocketID string
	Name     string
	Info     json.RawMessage

	AudioMuted bool
	VideoMuted bool

	producerTransport *Transport
	consumerTransport *Transport
	producers         map[string]*Producer
	consumers         map[string]*Consumer

	closed bool

	Logger *logrus.Entry
}

func New(id, socketID, name string, info json.RawMessage, logger *logrus.Entry) *Participant {
	return &Participant{
		ID:        id,
		SocketID:  socketID,
		Name:      name,
		Info:      info,
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		Logger:    logger,
	}
}

// Transport returns the transport for the given direction, or nil.
func (p *Participant) Transport(direction Direction) *Transport {
	if direction == DirectionProducer {
		return p.producerTransport
	}
	return p.consumerTransport
}

// TransportByID returns the transport with the given engine id, or nil.
func (p *Participant) TransportByID(id string) *Transport {
	if p.producerTransport != nil && p.producerTransport.Handle.ID() == id {
		return p.producerTransport
	}
	if p.consumerTransport != nil && p.consumerTransport.Handle.ID() == id {
		return p.consumerTransport
	}
	return nil
}

// AttachTransport records a freshly created transport. A participant has at
// most one transport per direction.
func (p *Participant) AttachTransport(direction Direction, handle mediaengine.Transport) (*Transport, error) {
	if p.Transport(direction) != nil {
		return nil, sfuerr.AlreadyExists.With("%s transport already created", direction)
	}

	transport := &Transport{Direction: direction, State: TransportNew, Handle: handle}
	if direction == DirectionProducer {
		p.producerTransport = transport
	} else {
		p.consumerTransport = transport
	}
	return transport, nil
}

// ConnectTransport drives the transport to connected. A retry with the exact
// DTLS parameters of the successful connect is acknowledged without touching
// the engine; any other call on a non-new transport is an InvalidState.
func (p *Participant) ConnectTransport(ctx context.Context, direction Direction, dtlsParameters json.RawMessage) error {
	transport := p.Transport(direction)
	if transport == nil {
		return sfuerr.TransportNotFound.With("no %s transport", direction)
	}

	switch transport.State {
	case TransportNew:
		// Proceed below.
	case TransportConnected:
		if bytes.Equal(transport.connectedDTLS, dtlsParameters) {
			return nil
		}
		return sfuerr.InvalidState.With("%s transport already connected", direction)
	default:
		return sfuerr.InvalidState.With("%s transport is %s", direction, transport.State)
	}

	if err := transport.Handle.Connect(ctx, dtlsParameters); err != nil {
		transport.State = TransportFailed
		return sfuerr.FromEngine(err)
	}

	transport.State = TransportConnected
	transport.connectedDTLS = dtlsParameters
	return nil
}

// AddProducer inserts a producer into the mapping. It emits no events; the
// conference does the announcing.
func (p *Participant) AddProducer(producer *Producer) {
	p.producers[producer.ID()] = producer
}

// Producer returns the producer with the given id, or nil.
func (p *Participant) Producer(id string) *Producer {
	return p.producers[id]
}

// RemoveProducer removes and returns the producer with the given id.
func (p *Participant) RemoveProducer(id string) *Producer {
	producer := p.producers[id]
	delete(p.producers, id)
	return producer
}

// ForEachProducer calls fn for every live producer.
func (p *Participant) ForEachProducer(fn func(*Producer)) {
	for _, producer := range p.producers {
		fn(producer)
	}
}

// ProducerCount reports the number of live producers.
func (p *Participant) ProducerCount() int {
	return len(p.producers)
}

// AddConsumer inserts a consumer into the mapping. At most one consumer may
// exist per remote producer.
func (p *Participant) AddConsumer(consumer *Consumer) error {
	if p.ConsumerForProducer(consumer.ProducerID) != nil {
		return sfuerr.AlreadyConsuming.With("already consuming producer %s", consumer.ProducerID)
	}

	p.consumers[consumer.ID()] = consumer
	return nil
}

// Consumer returns the consumer with the given id, or nil.
func (p *Participant) Consumer(id string) *Consumer {
	return p.consumers[id]
}

// ConsumerForProducer returns this participant's consumer bound to the given
// remote producer, or nil.
func (p *Participant) ConsumerForProducer(producerID string) *Consumer {
	for _, consumer := range p.consumers {
		if consumer.ProducerID == producerID {
			return consumer
		}
	}
	return nil
}

// RemoveConsumer removes and returns the consumer with the given id.
func (p *Participant) RemoveConsumer(id string) *Consumer {
	consumer := p.consumers[id]
	delete(p.consumers, id)
	return consumer
}

// ConsumersOf removes and returns every consumer bound to the given remote
// producer. Used when the remote producer closes.
func (p *Participant) ConsumersOf(producerID string) []*Consumer {
	var matched []*Consumer
	for id, consumer := range p.consumers {
		if consumer.ProducerID == producerID {
			matched = append(matched, consumer)
			delete(p.consumers, id)
		}
	}
	return matched
}

// SetMediaState pauses or resumes every producer of the given stream type and
// updates the matching flag. Returns the ids of the affected producers.
func (p *Participant) SetMediaState(ctx context.Context, stream StreamType, muted bool) []string {
	affected := []string{}
	for _, producer := range p.producers {
		if producer.StreamType != stream {
			continue
		}

		var err error
		if muted {
			err = producer.Handle.Pause(ctx)
		} else {
			err = producer.Handle.Resume(ctx)
		}
		if err != nil {
			p.Logger.WithError(err).WithField("producer_id", producer.ID()).Warn("failed to toggle producer")
			continue
		}

		producer.Paused = muted
		affected = append(affected, producer.ID())
	}

	switch stream {
	case StreamAudio:
		p.AudioMuted = muted
	case StreamVideo:
		p.VideoMuted = muted
	}

	return affected
}

// Close tears down everything the participant owns: all consumers, then all
// producers, then the consumer transport, then the producer transport.
// Idempotent; the second call reports nothing.
func (p *Participant) Close() CloseReport {
	if p.closed {
		return CloseReport{}
	}
	p.closed = true

	report := CloseReport{ProducerIDs: []string{}, ConsumerIDs: []string{}}

	for id, consumer := range p.consumers {
		if err := consumer.Handle.Close(); err != nil {
			p.Logger.WithError(err).WithField("consumer_id", id).Warn("failed to close consumer")
		}
		report.ConsumerIDs = append(report.ConsumerIDs, id)
		delete(p.consumers, id)
	}

	for id, producer := range p.producers {
		if err := producer.Handle.Close(); err != nil {
			p.Logger.WithError(err).WithField("producer_id", id).Warn("failed to close producer")
		}
		report.ProducerIDs = append(report.ProducerIDs, id)
		delete(p.producers, id)
	}

	for _, transport := range []*Transport{p.consumerTransport, p.producerTransport} {
		if transport == nil || transport.State == TransportClosed {
			continue
		}
		if err := transport.Handle.Close(); err != nil {
			p.Logger.WithError(err).Warn("failed to close transport")
		}
		transport.State = TransportClosed
	}

	return report
}

// Closed reports whether Close has run.
func (p *Participant) Closed() bool {
	return p.closed
}
