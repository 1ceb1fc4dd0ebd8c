package mediaengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTPCodecCapabilityEncodesFmtpLine(t *testing.T) {
	c := CodecCapability{
		Kind:      KindVideo,
		MimeType:  "video/H264",
		ClockRate: 90000,
		Parameters: map[string]any{
			"packetization-mode":      1,
			"level-asymmetry-allowed": 1,
		},
	}

	rtp := c.RTPCodecCapability()
	assert.Equal(t, "video/H264", rtp.MimeType)
	assert.Equal(t, uint32(90000), rtp.ClockRate)
	// Parameters are sorted by key so the line is stable across runs.
	assert.Equal(t, "level-asymmetry-allowed=1;packetization-mode=1", rtp.SDPFmtpLine)
}

func TestRTPCodecCapabilityWithoutParameters(t *testing.T) {
	c := CodecCapability{
		Kind:      KindAudio,
		MimeType:  "audio/opus",
		ClockRate: 48000,
		Channels:  2,
	}

	rtp := c.RTPCodecCapability()
	assert.Equal(t, "audio/opus", rtp.MimeType)
	assert.Equal(t, uint16(2), rtp.Channels)
	assert.Empty(t, rtp.SDPFmtpLine)
}

func TestDefaultCodecsCoverBothKinds(t *testing.T) {
	codecs := DefaultCodecs()
	require.NotEmpty(t, codecs)

	var audio, video bool
	for _, codec := range codecs {
		switch codec.Kind {
		case KindAudio:
			audio = true
		case KindVideo:
			video = true
		}
	}
	assert.True(t, audio)
	assert.True(t, video)
}
