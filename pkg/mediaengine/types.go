package mediaengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pion/webrtc/v4"
)

// MediaKind is the media type of a producer or consumer on the wire.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Valid reports whether the kind is one of the two known values.
func (k MediaKind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// CodecCapability is one entry of the configured codec list. Order within the
// list is preference order.
type CodecCapability struct {
	Kind       MediaKind      `json:"kind" yaml:"kind"`
	MimeType   string         `json:"mimeType" yaml:"mimeType"`
	ClockRate  uint32         `json:"clockRate" yaml:"clockRate"`
	Channels   uint16         `json:"channels,omitempty" yaml:"channels,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// RTPCodecCapability converts the entry to the pion representation, encoding
// Parameters as an SDP fmtp line. Engine adapters built on pion consume this.
func (c CodecCapability) RTPCodecCapability() webrtc.RTPCodecCapability {
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, c.Parameters[k]))
	}

	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: strings.Join(pairs, ";"),
	}
}

// DefaultCodecs is the codec list used when the configuration does not name
// one: Opus for audio, VP8 and H264 for video.
func DefaultCodecs() []CodecCapability {
	return []CodecCapability{
		{
			Kind:      KindAudio,
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      KindVideo,
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

// WorkerSettings configures a media worker at creation time.
type WorkerSettings struct {
	RTCMinPort uint16
	RTCMaxPort uint16
	LogLevel   string
}

// TransportOptions configures a WebRTC transport at creation time.
type TransportOptions struct {
	EnableUDP   bool
	EnableTCP   bool
	PreferUDP   bool
	EnableSCTP  bool
	AnnouncedIP string

	InitialAvailableOutgoingBitrate uint32
}

// ICEParameters is the local ICE ufrag/pwd of a transport.
type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

// ICECandidate is one local candidate advertised to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// DTLSFingerprint is a certificate digest of the transport.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters is the server-side DTLS descriptor of a transport.
type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// SCTPParameters describes the transport's SCTP association, if enabled.
type SCTPParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

// TransportInfo is the descriptor returned to the client after createTransport.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  ICEParameters   `json:"iceParameters"`
	ICECandidates  []ICECandidate  `json:"iceCandidates"`
	DTLSParameters DTLSParameters  `json:"dtlsParameters"`
	SCTPParameters *SCTPParameters `json:"sctpParameters,omitempty"`
}
