package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fleettrack/internal/domain"
)

// Telemetry modes
const (
	ModePush     = "push"
	ModePoll     = "poll"
	ModeSimulate = "simulate"
)

// Push transports
const (
	TransportWS   = "ws"
	TransportNATS = "nats"
	TransportAMQP = "amqp"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	FleetAPIURL     string `validate:"required,url"`
	FleetAPIToken   string
	FleetAPIUserID  string
	FleetAPIRole    domain.Role   `validate:"omitempty,oneof=ADMIN MANAGER DRIVER CUSTOMER"`
	FleetAPITimeout time.Duration `validate:"gt=0"`

	TelemetryMode string `validate:"oneof=push poll simulate"`

	PushTransport      string        `validate:"oneof=ws nats amqp"`
	PushURL            string        `validate:"required_if=TelemetryMode push"`
	PushTopic          string        `validate:"required"`
	PushReconnectDelay time.Duration `validate:"gt=0"`
	AMQPExchange       string        `validate:"required_if=PushTransport amqp"`
	NatsUser           string
	NatsPassword       string

	PollInterval time.Duration `validate:"gt=0"`
	PollTimeout  time.Duration `validate:"gt=0"`
	GTFSRTURL    string        `validate:"omitempty,url"`

	SimInterval    time.Duration `validate:"gt=0"`
	SimBookingID   string
	SimBookingFile string

	TrailCapacity int             `validate:"gte=1"`
	MapCenter     domain.Position `validate:"-"`
	MapZoom       int             `validate:"gte=0,lte=22"`
	TileZoomLevel int             `validate:"gte=0,lte=22"`

	RedisEnabled      bool
	RedisAddr         string `validate:"required_if=RedisEnabled true"`
	RedisPassword     string
	RedisDB           int           `validate:"gte=0"`
	StateTTL          time.Duration `validate:"gt=0"`
	StateSaveInterval time.Duration `validate:"gt=0"`
	InstanceName      string

	RateLimitPerWindow int           `validate:"gte=1"`
	RateLimitWindow    time.Duration `validate:"gt=0"`
	RateLimitWhitelist []string
}

// DefaultCenter is used when MAP_DEFAULT_CENTER is unset
var DefaultCenter = domain.Position{Latitude: 52.2297, Longitude: 21.0122}

func Load() (*Config, error) {
	center, err := getPositionEnv("MAP_DEFAULT_CENTER", DefaultCenter)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		FleetAPIURL:     getEnv("FLEET_API_URL", "http://localhost:8081/api"),
		FleetAPIToken:   os.Getenv("FLEET_API_TOKEN"),
		FleetAPIUserID:  os.Getenv("FLEET_API_USER_ID"),
		FleetAPIRole:    domain.Role(strings.ToUpper(os.Getenv("FLEET_API_ROLE"))),
		FleetAPITimeout: getDurationEnv("FLEET_API_TIMEOUT", 10*time.Second),

		TelemetryMode: strings.ToLower(getEnv("TELEMETRY_MODE", ModePush)),

		PushTransport:      strings.ToLower(getEnv("PUSH_TRANSPORT", TransportWS)),
		PushURL:            os.Getenv("PUSH_URL"),
		PushTopic:          getEnv("PUSH_TOPIC", "/topic/vehicles"),
		PushReconnectDelay: getDurationEnv("PUSH_RECONNECT_DELAY", 5*time.Second),
		AMQPExchange:       getEnv("AMQP_EXCHANGE", "telemetry"),
		NatsUser:           os.Getenv("NATS_USER"),
		NatsPassword:       os.Getenv("NATS_PASSWORD"),

		PollInterval: getDurationEnv("POLL_INTERVAL", 10*time.Second),
		PollTimeout:  getDurationEnv("POLL_TIMEOUT", 8*time.Second),
		GTFSRTURL:    os.Getenv("GTFSRT_URL"),

		SimInterval:    getDurationEnv("SIM_INTERVAL", 10*time.Second),
		SimBookingID:   os.Getenv("SIM_BOOKING_ID"),
		SimBookingFile: os.Getenv("SIM_BOOKING_FILE"),

		TrailCapacity: getIntEnv("TRAIL_CAPACITY", 20),
		MapCenter:     center,
		MapZoom:       getIntEnv("MAP_DEFAULT_ZOOM", 13),
		TileZoomLevel: getIntEnv("TILE_ZOOM_LEVEL", 14),

		RedisEnabled:      getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getIntEnv("REDIS_DB", 0),
		StateTTL:          getDurationEnv("STATE_TTL", 24*time.Hour),
		StateSaveInterval: getDurationEnv("STATE_SAVE_INTERVAL", 30*time.Second),
		InstanceName:      getEnv("INSTANCE_NAME", "default"),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules of the
// simulate mode.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.TelemetryMode == ModeSimulate && c.SimBookingID == "" && c.SimBookingFile == "" {
		return errors.New("invalid config: simulate mode needs SIM_BOOKING_ID or SIM_BOOKING_FILE")
	}
	return nil
}

// LoadBooking reads a simulation booking fixture
func LoadBooking(path string) (*domain.Booking, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading booking fixture: %w", err)
	}

	var b domain.Booking
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing booking fixture %s: %w", path, err)
	}
	if err := validator.New().Struct(&b); err != nil {
		return nil, fmt.Errorf("invalid booking fixture %s: %w", path, err)
	}
	return &b, nil
}

// NatsCredentials reports the user/password pair for the NATS transport.
// A password without a user is ignored.
func (c *Config) NatsCredentials() (user, password string, ok bool) {
	if c.NatsUser == "" {
		return "", "", false
	}
	return c.NatsUser, c.NatsPassword, true
}

// Session builds the fleet API session from configuration
func (c *Config) Session() domain.Session {
	return domain.Session{UserID: c.FleetAPIUserID, Role: c.FleetAPIRole, Token: c.FleetAPIToken}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}

// getPositionEnv reads "lat,lon". Individual MAP_DEFAULT_LAT and
// MAP_DEFAULT_LON override the pair.
func getPositionEnv(key string, defaultVal domain.Position) (domain.Position, error) {
	pos := defaultVal
	if parts := getCSVEnv(key); parts != nil {
		if len(parts) != 2 {
			return pos, fmt.Errorf("%s: expected lat,lon", key)
		}
		lat, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return pos, fmt.Errorf("%s latitude: %w", key, err)
		}
		lon, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return pos, fmt.Errorf("%s longitude: %w", key, err)
		}
		pos = domain.Position{Latitude: lat, Longitude: lon}
	}
	pos.Latitude = getFloatEnv("MAP_DEFAULT_LAT", pos.Latitude)
	pos.Longitude = getFloatEnv("MAP_DEFAULT_LON", pos.Longitude)

	if pos.Latitude < -90 || pos.Latitude > 90 || pos.Longitude < -180 || pos.Longitude > 180 {
		return pos, fmt.Errorf("%s: coordinate out of range", key)
	}
	return pos, nil
}
