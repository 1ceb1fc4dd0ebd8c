package signaling

import (
	"github.com/riverbed-media/estuary/pkg/conference/participant"
	"github.com/riverbed-media/estuary/pkg/mediaengine"
)

// Notification event names (server to client).
const (
	EventParticipantJoined    = "participantJoined"
	EventParticipantLeft      = "participantLeft"
	EventNewProducer          = "newProducer"
	EventProducerClosed       = "producerClosed"
	EventConsumerClosed       = "consumerClosed"
	EventAudioMuted           = "audioMuted"
	EventAudioUnmuted         = "audioUnmuted"
	EventVideoMuted           = "videoMuted"
	EventVideoUnmuted         = "videoUnmuted"
	EventConferenceTerminated = "conferenceTerminated"
)

// Event is the closed set of server-to-client notifications. The conference
// emits these through the Notifier; the gateway wraps them in a Notification
// envelope and writes them to the target socket.
type Event interface {
	EventName() string
}

// Notifier delivers events to a single socket. The gateway implements it; the
// conference core never touches sockets directly.
type Notifier interface {
	Notify(socketID string, event Event)

	// Disconnect force-closes the socket. Used when a conference is torn down
	// from under its participants.
	Disconnect(socketID string)
}

type ParticipantJoined struct {
	ConferenceID    string `json:"conferenceId"`
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
}

func (ParticipantJoined) EventName() string { return EventParticipantJoined }

type ParticipantLeft struct {
	ParticipantID     string   `json:"participantId"`
	ClosedProducerIDs []string `json:"closedProducerIds"`
	ClosedConsumerIDs []string `json:"closedConsumerIds"`
}

func (ParticipantLeft) EventName() string { return EventParticipantLeft }

type NewProducer struct {
	ProducerID      string                 `json:"producerId"`
	ParticipantID   string                 `json:"participantId"`
	ParticipantName string                 `json:"participantName"`
	Kind            mediaengine.MediaKind  `json:"kind"`
	StreamType      participant.StreamType `json:"streamType"`
}

func (NewProducer) EventName() string { return EventNewProducer }

type ProducerClosed struct {
	ProducerID    string                `json:"producerId"`
	ParticipantID string                `json:"participantId"`
	Kind          mediaengine.MediaKind `json:"kind"`
}

func (ProducerClosed) EventName() string { return EventProducerClosed }

// ConsumerClosed is delivered to the consumer's owner: the id names that
// owner's consumer, ParticipantID the owner of the producer it was bound to.
type ConsumerClosed struct {
	ConsumerID    string `json:"consumerId"`
	ParticipantID string `json:"participantId"`
}

func (ConsumerClosed) EventName() string { return EventConsumerClosed }

type AudioMuted struct {
	ParticipantID string   `json:"participantId"`
	ProducerIDs   []string `json:"producerIds"`
}

func (AudioMuted) EventName() string { return EventAudioMuted }

type AudioUnmuted struct {
	ParticipantID string   `json:"participantId"`
	ProducerIDs   []string `json:"producerIds"`
}

func (AudioUnmuted) EventName() string { return EventAudioUnmuted }

type VideoMuted struct {
	ParticipantID string   `json:"participantId"`
	ProducerIDs   []string `json:"producerIds"`
}

func (VideoMuted) EventName() string { return EventVideoMuted }

type VideoUnmuted struct {
	ParticipantID string   `json:"participantId"`
	ProducerIDs   []string `json:"producerIds"`
}

func (VideoUnmuted) EventName() string { return EventVideoUnmuted }

// ConferenceTerminated is sent right before the server force-disconnects the
// sockets of a conference whose media worker died.
type ConferenceTerminated struct {
	ConferenceID string `json:"conferenceId"`
	Reason       string `json:"reason"`
}

func (ConferenceTerminated) EventName() string { return EventConferenceTerminated }
