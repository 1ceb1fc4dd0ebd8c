package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
)

func TestLoadConfigFromString(t *testing.T) {
	config, err := LoadConfigFromString(`
port: 9000
rtcMinPort: 20000
rtcMaxPort: 29999
announcedIp: 203.0.113.7
workerCount: 2
maxParticipantsPerConference: 16
log: debug
`)
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, uint16(20000), config.RTCMinPort)
	assert.Equal(t, "203.0.113.7", config.AnnouncedIP)
	assert.Equal(t, 2, config.WorkerCount)
	assert.Equal(t, 16, config.MaxParticipantsPerConference)
	assert.Equal(t, 10*time.Second, config.OperationTimeout())

	// The default codec list carries both kinds.
	options := config.TransportOptions()
	assert.Equal(t, "203.0.113.7", options.AnnouncedIP)
	require.NotEmpty(t, config.Codecs)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("ANNOUNCED_IP", "198.51.100.1")
	t.Setenv("RTC_MIN_PORT", "30000")
	t.Setenv("RTC_MAX_PORT", "30999")
	t.Setenv("USE_SSL", "false")

	config, err := LoadConfigFromString(`port: 9000`)
	require.NoError(t, err)

	assert.Equal(t, 7000, config.Port)
	assert.Equal(t, "198.51.100.1", config.AnnouncedIP)
	assert.Equal(t, uint16(30000), config.RTCMinPort)
	assert.Equal(t, uint16(30999), config.RTCMaxPort)
	assert.False(t, config.UseTLS)
}

func TestValidateRejectsLopsidedCodecList(t *testing.T) {
	config := Default()
	config.Codecs = []mediaengine.CodecCapability{
		{Kind: mediaengine.KindAudio, MimeType: "audio/opus", ClockRate: 48000},
	}

	assert.Error(t, config.Validate())
}

func TestValidateRejectsBadPortRange(t *testing.T) {
	config := Default()
	config.RTCMinPort = 50000
	config.RTCMaxPort = 40000

	assert.Error(t, config.Validate())
}

func TestValidateRequiresTLSFiles(t *testing.T) {
	config := Default()
	config.UseTLS = true

	assert.Error(t, config.Validate())
}
