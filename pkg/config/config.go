package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/telemetry"
)

// SFU configuration.
type Config struct {
	// TCP port of the signaling endpoint.
	Port int `yaml:"port"`
	// Serve the signaling endpoint over TLS.
	UseTLS bool `yaml:"useTls"`
	// Certificate and key files, required when UseTLS is set.
	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`

	// UDP port range the media workers bind for RTP.
	RTCMinPort uint16 `yaml:"rtcMinPort"`
	RTCMaxPort uint16 `yaml:"rtcMaxPort"`
	// Public IP advertised in ICE candidates (for clients behind NAT).
	AnnouncedIP string `yaml:"announcedIp"`
	// Number of media workers. Defaults to the hardware thread count.
	WorkerCount int `yaml:"workerCount"`

	// Ordered codec preference list. Must contain at least one audio and one
	// video codec. Defaults to Opus + VP8 + H264.
	Codecs []mediaengine.CodecCapability `yaml:"codecs"`

	// WebRTC transport options handed to the engine on createTransport.
	Transport TransportConfig `yaml:"transportOptions"`

	// Upper bound on participants per conference. 0 means unlimited.
	MaxParticipantsPerConference int `yaml:"maxParticipantsPerConference"`

	// Server-side deadline for a single engine-touching operation, in seconds.
	OperationTimeoutSeconds int `yaml:"operationTimeoutSeconds"`

	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`

	// Tracing configuration.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// TransportConfig mirrors the engine's TransportOptions in the config file.
type TransportConfig struct {
	EnableUDP  bool `yaml:"enableUdp"`
	EnableTCP  bool `yaml:"enableTcp"`
	PreferUDP  bool `yaml:"preferUdp"`
	EnableSCTP bool `yaml:"enableSctp"`

	InitialAvailableOutgoingBitrate uint32 `yaml:"initialAvailableOutgoingBitrate"`
}

// TransportOptions converts the config section to the engine representation,
// filling in the announced IP.
func (c *Config) TransportOptions() mediaengine.TransportOptions {
	return mediaengine.TransportOptions{
		EnableUDP:   c.Transport.EnableUDP,
		EnableTCP:   c.Transport.EnableTCP,
		PreferUDP:   c.Transport.PreferUDP,
		EnableSCTP:  c.Transport.EnableSCTP,
		AnnouncedIP: c.AnnouncedIP,

		InitialAvailableOutgoingBitrate: c.Transport.InitialAvailableOutgoingBitrate,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:       8080,
		RTCMinPort: 40000,
		RTCMaxPort: 49999,
		Codecs:     mediaengine.DefaultCodecs(),
		Transport: TransportConfig{
			EnableUDP:                       true,
			EnableTCP:                       true,
			PreferUDP:                       true,
			InitialAvailableOutgoingBitrate: 1000000,
		},
		OperationTimeoutSeconds: 10,
		LogLevel:                "info",
	}
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Either way, individual environment
// variables (PORT, USE_SSL, ANNOUNCED_IP, RTC_MIN_PORT, RTC_MAX_PORT,
// WORKER_COUNT) override the file values afterwards.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		config, err = LoadConfigFromPath(path)
		if err != nil {
			return nil, err
		}
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string. Applies defaults for unset fields,
// environment overrides, and validates the result.
func LoadConfigFromString(configString string) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	config.applyEnvOverrides()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("USE_SSL"); v != "" {
		c.UseTLS = v == "1" || v == "true"
	}
	if v := os.Getenv("ANNOUNCED_IP"); v != "" {
		c.AnnouncedIP = v
	}
	if v := os.Getenv("RTC_MIN_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.RTCMinPort = uint16(port)
		}
	}
	if v := os.Getenv("RTC_MAX_PORT"); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.RTCMaxPort = uint16(port)
		}
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if count, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = count
		}
	}
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if len(c.Codecs) == 0 {
		c.Codecs = mediaengine.DefaultCodecs()
	}
	if c.OperationTimeoutSeconds <= 0 {
		c.OperationTimeoutSeconds = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the config invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid signaling port: %d", c.Port)
	}
	if c.RTCMinPort == 0 || c.RTCMaxPort == 0 || c.RTCMinPort > c.RTCMaxPort {
		return fmt.Errorf("invalid RTC port range: %d-%d", c.RTCMinPort, c.RTCMaxPort)
	}
	if c.UseTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return errors.New("useTls requires tlsCertFile and tlsKeyFile")
	}
	if c.MaxParticipantsPerConference < 0 {
		return errors.New("maxParticipantsPerConference must not be negative")
	}

	var audio, video bool
	for _, codec := range c.Codecs {
		switch codec.Kind {
		case mediaengine.KindAudio:
			audio = true
		case mediaengine.KindVideo:
			video = true
		default:
			return fmt.Errorf("codec %q has unknown kind %q", codec.MimeType, codec.Kind)
		}
	}
	if !audio || !video {
		return errors.New("codec list must include at least one audio and one video codec")
	}

	return nil
}

// OperationTimeout is the deadline applied to every engine-touching operation.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

// WorkerSettings converts the config to the engine's per-worker settings.
func (c *Config) WorkerSettings() mediaengine.WorkerSettings {
	return mediaengine.WorkerSettings{
		RTCMinPort: c.RTCMinPort,
		RTCMaxPort: c.RTCMaxPort,
		LogLevel:   c.LogLevel,
	}
}
