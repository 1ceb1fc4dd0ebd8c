// Package signaling defines the wire protocol spoken on the signaling socket:
// the request/response envelope, the request payloads and the server-to-client
// notification events. The gateway owns (de)serialization; the conference core
// produces and consumes these types directly.
package signaling

import (
	"encoding/json"

	"github.com/riverbed-media/estuary/pkg/conference/participant"
	"github.com/riverbed-media/estuary/pkg/mediaengine"
)

// Request event names (client to server).
const (
	RequestJoinConference   = "joinConference"
	RequestCreateTransport  = "createTransport"
	RequestConnectTransport = "connectTransport"
	RequestProduce          = "produce"
	RequestConsumeMedia     = "consumeParticipantMedia"
	RequestUnpauseConsumer  = "unpauseConsumer"
	RequestCloseProducer    = "closeProducer"
	RequestCloseConsumer    = "closeConsumer"
	RequestMuteAudio        = "muteAudio"
	RequestUnmuteAudio      = "unmuteAudio"
	RequestMuteVideo        = "muteVideo"
	RequestUnmuteVideo      = "unmuteVideo"
	RequestGetParticipants  = "getParticipants"
	RequestLeaveConference  = "leaveConference"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the envelope of every client-to-server message. ID is the
// client-chosen correlation; the reply carries it back.
type Request struct {
	ID      int64           `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the acknowledged reply to a Request.
type Response struct {
	ID     int64           `json:"id"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	// Message carries human-readable detail alongside the error code.
	Message string `json:"message,omitempty"`
}

// Notification is a server-to-client event. It carries no correlation id.
type Notification struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Request payloads. Every request except joinConference must name the binding
// it operates on; the gateway rejects mismatches before they reach a
// conference.

type JoinRequest struct {
	ConferenceID    string          `json:"conferenceId"`
	ConferenceName  string          `json:"conferenceName,omitempty"`
	ParticipantID   string          `json:"participantId"`
	ParticipantName string          `json:"participantName"`
	ParticipantInfo json.RawMessage `json:"participantInfo,omitempty"`
}

type CreateTransportRequest struct {
	ConferenceID  string                `json:"conferenceId"`
	ParticipantID string                `json:"participantId"`
	Direction     participant.Direction `json:"direction"`
}

type ConnectTransportRequest struct {
	ConferenceID   string                `json:"conferenceId"`
	ParticipantID  string                `json:"participantId"`
	Direction      participant.Direction `json:"direction"`
	DTLSParameters json.RawMessage       `json:"dtlsParameters"`
}

type ProduceRequest struct {
	ConferenceID  string                 `json:"conferenceId"`
	ParticipantID string                 `json:"participantId"`
	TransportID   string                 `json:"transportId"`
	Kind          mediaengine.MediaKind  `json:"kind"`
	RTPParameters json.RawMessage        `json:"rtpParameters"`
	StreamType    participant.StreamType `json:"streamType,omitempty"`
}

type ConsumeMediaRequest struct {
	ConferenceID        string          `json:"conferenceId"`
	ParticipantID       string          `json:"participantId"`
	TargetParticipantID string          `json:"targetParticipantId"`
	RTPCapabilities     json.RawMessage `json:"rtpCapabilities"`
}

type UnpauseConsumerRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
	ConsumerID    string `json:"consumerId"`
}

type CloseProducerRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
	ExtraData     struct {
		ProducerID string `json:"producerId"`
	} `json:"extraData"`
}

type CloseConsumerRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
	ExtraData     struct {
		ConsumerID string `json:"consumerId"`
	} `json:"extraData"`
}

type MediaStateRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
}

type GetParticipantsRequest struct {
	ConferenceID string `json:"conferenceId"`
}

type LeaveRequest struct {
	ConferenceID  string `json:"conferenceId"`
	ParticipantID string `json:"participantId"`
}

// Response payloads.

type JoinResponse struct {
	RouterRTPCapabilities json.RawMessage `json:"routerRtpCapabilities"`
}

// CreateTransportResponse is the engine transport descriptor verbatim.
type CreateTransportResponse = mediaengine.TransportInfo

type ProduceResponse struct {
	ProducerID string `json:"producerId"`
}

// ConsumerDescriptor describes one created (or previously created) consumer.
type ConsumerDescriptor struct {
	ID                    string                 `json:"id"`
	ProducerID            string                 `json:"producerId"`
	Kind                  mediaengine.MediaKind  `json:"kind"`
	RTPParameters         json.RawMessage        `json:"rtpParameters"`
	StreamType            participant.StreamType `json:"streamType"`
	ProducerParticipantID string                 `json:"producerParticipantId"`
}

type MuteResponse struct {
	MutedProducerIDs []string `json:"mutedProducerIds"`
}

type UnmuteResponse struct {
	UnmutedProducerIDs []string `json:"unmutedProducerIds"`
}

// ParticipantSummary is one entry of the getParticipants response. The mute
// flags let late joiners render state without waiting for toggle events.
type ParticipantSummary struct {
	ParticipantID   string `json:"participantId"`
	ParticipantName string `json:"participantName"`
	AudioMuted      bool   `json:"audioMuted"`
	VideoMuted      bool   `json:"videoMuted"`
}
