// Package config holds the relay and node configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment overrides. CLI flags are applied on top by the
// command layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Role represents the part a node plays in the session.
type Role string

const (
	RoleReceiver Role = "receiver"
	RoleSender   Role = "sender"
)

// ReceiverPolicy decides which connection holds the receiver slot.
type ReceiverPolicy string

const (
	// PolicyFixed makes identity 1 the receiver for the lifetime of the
	// relay. Once that connection leaves the slot stays vacant.
	PolicyFixed ReceiverPolicy = "fixed"
	// PolicyReelect hands a vacated receiver slot to the next connection.
	PolicyReelect ReceiverPolicy = "reelect"
)

// Config is the root configuration document.
type Config struct {
	Relay RelayConfig `yaml:"relay"`
	Node  NodeConfig  `yaml:"node"`
	Log   LogConfig   `yaml:"log"`
}

// RelayConfig configures the signaling relay server.
type RelayConfig struct {
	Address           string         `yaml:"address" validate:"required"`
	WSPath            string         `yaml:"ws_path" validate:"startswith=/,ne=/"`
	StaticDir         string         `yaml:"static_dir"`
	ReceiverPolicy    ReceiverPolicy `yaml:"receiver_policy" validate:"oneof=fixed reelect"`
	FirstIdentity     int            `yaml:"first_identity" validate:"min=0,max=1"`
	NotifyDepartures  bool           `yaml:"notify_departures"`
	MaxMessageBytes   int64          `yaml:"max_message_bytes" validate:"gt=0"`
	MessagesPerSecond float64        `yaml:"messages_per_second" validate:"gte=0"`
	MessageBurst      int            `yaml:"message_burst" validate:"gte=0"`
	PingInterval      time.Duration  `yaml:"ping_interval" validate:"gt=0"`
	PongWait          time.Duration  `yaml:"pong_wait" validate:"gtfield=PingInterval"`
	WriteTimeout      time.Duration  `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration  `yaml:"shutdown_timeout" validate:"gt=0"`
}

// NodeConfig configures sender and receiver nodes.
type NodeConfig struct {
	RelayURL      string        `yaml:"relay_url" validate:"required,url"`
	ICEServers    []string      `yaml:"ice_servers"`
	FrameInterval time.Duration `yaml:"frame_interval" validate:"gt=0"`
	FaceDims      int           `yaml:"face_dims" validate:"oneof=2 3"`
	ReplayFile    string        `yaml:"replay_file"`
}

// LogConfig configures the pterm logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Address:           ":3000",
			WSPath:            "/ws",
			ReceiverPolicy:    PolicyFixed,
			MaxMessageBytes:   64 * 1024,
			MessagesPerSecond: 50,
			MessageBurst:      100,
			PingInterval:      30 * time.Second,
			PongWait:          60 * time.Second,
			WriteTimeout:      10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Node: NodeConfig{
			RelayURL: "ws://127.0.0.1:3000/ws",
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			FrameInterval: 33 * time.Millisecond,
			FaceDims:      3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and environment overrides. It does not validate: callers
// apply their CLI flags first and then call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

// newValidator reports fields by their YAML names so errors match the file.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		// Drop the root type name: "Config.relay.address" → "relay.address".
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		errs = append(errs, fmt.Errorf("%s: failed %q check (value %v)", field, ruleOf(fe), fe.Value()))
	}
	return errors.Join(errs...)
}

func ruleOf(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// Environment variable names.
const (
	envRelayAddress      = "POSECAST_RELAY_ADDRESS"
	envRelayStaticDir    = "POSECAST_STATIC_DIR"
	envReceiverPolicy    = "POSECAST_RECEIVER_POLICY"
	envFirstIdentity     = "POSECAST_FIRST_IDENTITY"
	envNotifyDepartures  = "POSECAST_NOTIFY_DEPARTURES"
	envMessagesPerSecond = "POSECAST_MESSAGES_PER_SECOND"
	envRelayURL          = "POSECAST_RELAY_URL"
	envICEServers        = "POSECAST_ICE_SERVERS"
	envFrameInterval     = "POSECAST_FRAME_INTERVAL"
	envLogLevel          = "POSECAST_LOG_LEVEL"
)

// applyEnvironmentOverrides applies environment overrides. lookup is
// os.LookupEnv outside of tests.
func applyEnvironmentOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(envRelayAddress); ok && v != "" {
		cfg.Relay.Address = v
	}
	if v, ok := lookup(envRelayStaticDir); ok && v != "" {
		cfg.Relay.StaticDir = v
	}
	if v, ok := lookup(envReceiverPolicy); ok && v != "" {
		cfg.Relay.ReceiverPolicy = ReceiverPolicy(strings.ToLower(v))
	}
	if v, ok := lookup(envFirstIdentity); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envFirstIdentity, err)
		}
		cfg.Relay.FirstIdentity = n
	}
	if v, ok := lookup(envNotifyDepartures); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envNotifyDepartures, err)
		}
		cfg.Relay.NotifyDepartures = b
	}
	if v, ok := lookup(envMessagesPerSecond); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envMessagesPerSecond, err)
		}
		cfg.Relay.MessagesPerSecond = f
	}
	if v, ok := lookup(envRelayURL); ok && v != "" {
		cfg.Node.RelayURL = v
	}
	if v, ok := lookup(envICEServers); ok {
		cfg.Node.ICEServers = splitList(v)
	}
	if v, ok := lookup(envFrameInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envFrameInterval, err)
		}
		cfg.Node.FrameInterval = d
	}
	if v, ok := lookup(envLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
