package conference

import (
	"encoding/json"

	"github.com/riverbed-media/estuary/pkg/conference/participant"
	"github.com/riverbed-media/estuary/pkg/mediaengine"
)

// Message is one unit of work for the conference goroutine. Content is one of
// the request types below; Reply, when non-nil, receives exactly one Response.
type Message struct {
	Content any
	Reply   chan<- Response
}

// Response is the outcome of a processed message. Data is the operation's
// payload on success, Err the taxonomy error on failure.
type Response struct {
	Data any
	Err  error
}

// Join adds a participant to the conference.
type Join struct {
	ParticipantID   string
	SocketID        string
	ParticipantName string
	ParticipantInfo json.RawMessage
}

// CreateTransport allocates the participant's transport for one direction.
type CreateTransport struct {
	ParticipantID string
	Direction     participant.Direction
}

// ConnectTransport finishes DTLS setup on an existing transport.
type ConnectTransport struct {
	ParticipantID  string
	Direction      participant.Direction
	DTLSParameters json.RawMessage
}

// Produce creates a producer on the participant's connected send transport.
type Produce struct {
	ParticipantID string
	TransportID   string
	Kind          mediaengine.MediaKind
	RTPParameters json.RawMessage
	StreamType    participant.StreamType
}

// ConsumeMedia subscribes the participant to every compatible producer of the
// target participant.
type ConsumeMedia struct {
	ParticipantID       string
	TargetParticipantID string
	RTPCapabilities     json.RawMessage
}

// UnpauseConsumer starts media flow on a consumer created paused.
type UnpauseConsumer struct {
	ParticipantID string
	ConsumerID    string
}

// CloseProducer closes one of the participant's own producers.
type CloseProducer struct {
	ParticipantID string
	ProducerID    string
}

// CloseConsumer closes one of the participant's own consumers.
type CloseConsumer struct {
	ParticipantID string
	ConsumerID    string
}

// SetMediaState mutes or unmutes one stream type of the participant.
type SetMediaState struct {
	ParticipantID string
	Stream        participant.StreamType
	Muted         bool
}

// GetParticipants lists the current members.
type GetParticipants struct{}

// Leave removes the participant and tears down everything it owns.
type Leave struct {
	ParticipantID string
}

// Disconnect is the synthetic leave issued when a signaling socket drops
// without a leaveConference. SocketID guards against a stale disconnect
// arriving after the participant re-joined on a new socket.
type Disconnect struct {
	ParticipantID string
	SocketID      string
}

// Terminate tears the whole conference down, notifying and force-disconnecting
// every participant. Issued when the backing media worker dies.
type Terminate struct {
	Reason string
}

// producerVanished is the internal message posted when the engine closes a
// producer spontaneously.
type producerVanished struct {
	ParticipantID string
	ProducerID    string
}
