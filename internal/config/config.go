// Package config loads client and relay settings from defaults, a .env file,
// ICINEMA_* environment variables, an optional config file and bound flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"icinema/internal/conn"
	"icinema/internal/health"
	"icinema/internal/session"
	"icinema/internal/videosync"
)

const EnvPrefix = "ICINEMA"

// Client keys.
const (
	KeyServerURL             = "server_url"
	KeyAPIBase               = "api_base"
	KeyToken                 = "token"
	KeyUserID                = "user_id"
	KeyRoomID                = "room_id"
	KeyListen                = "listen"
	KeyInteractive           = "interactive"
	KeyVideoDuration         = "video_duration"
	KeyRequireGesture        = "require_gesture"
	KeyHeartbeatInterval     = "heartbeat_interval"
	KeyReconnectDelay        = "reconnect_delay"
	KeyDebugCapacity         = "debug_capacity"
	KeyMaxErrorDuration      = "max_error_duration"
	KeyMaxErrorCount         = "max_error_count"
	KeyRecoveryCheckInterval = "recovery_check_interval"
	KeyFragmentSettle        = "fragment_settle"
	KeyLevelSettle           = "level_settle"
	KeyErrorClearDelay       = "error_clear_delay"
	KeyRestoreSettle         = "restore_settle"
	KeyToastDelay            = "toast_delay"
)

// Relay keys.
const (
	KeyAddr        = "addr"
	KeyDBPath      = "db_path"
	KeyTokens      = "tokens"
	KeyAuthTimeout = "auth_timeout"
	KeySendBuffer  = "send_buffer"
)

var ErrMissingServerURL = errors.New("server url is required")

type ClientConfig struct {
	ServerURL      string
	APIBase        string
	Token          string
	UserID         int64
	RoomID         int64
	Listen         string
	Interactive    bool
	VideoDuration  float64
	RequireGesture bool
	Conn           conn.Config
	Health         health.Config
	Sync           videosync.Config
	ToastDelay     time.Duration
}

type ServerConfig struct {
	Addr        string
	DBPath      string
	Tokens      []string
	AuthTimeout time.Duration
	SendBuffer  int
}

// LoadDotEnv loads path into the process environment when the file exists.
// Variables already set are left alone.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// New returns a viper instance reading ICINEMA_* variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges a config file into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func SetClientDefaults(v *viper.Viper) {
	h := health.DefaultConfig()
	v.SetDefault(KeyServerURL, "ws://localhost:8000/ws")
	v.SetDefault(KeyAPIBase, "http://localhost:8000")
	v.SetDefault(KeyListen, "127.0.0.1:8090")
	v.SetDefault(KeyVideoDuration, 3600.0)
	v.SetDefault(KeyHeartbeatInterval, 30*time.Second)
	v.SetDefault(KeyReconnectDelay, 3*time.Second)
	v.SetDefault(KeyDebugCapacity, 100)
	v.SetDefault(KeyMaxErrorDuration, h.MaxErrorDuration)
	v.SetDefault(KeyMaxErrorCount, h.MaxErrorCount)
	v.SetDefault(KeyRecoveryCheckInterval, h.RecoveryCheckInterval)
	v.SetDefault(KeyFragmentSettle, h.FragmentSettle)
	v.SetDefault(KeyLevelSettle, h.LevelSettle)
	v.SetDefault(KeyErrorClearDelay, h.ErrorClearDelay)
	v.SetDefault(KeyRestoreSettle, videosync.DefaultRestoreSettle)
	v.SetDefault(KeyToastDelay, 50*time.Millisecond)
}

func SetServerDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":8000")
	v.SetDefault(KeyAuthTimeout, 30*time.Second)
	v.SetDefault(KeySendBuffer, 32)
}

func LoadClient(v *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      strings.TrimSpace(v.GetString(KeyServerURL)),
		APIBase:        strings.TrimRight(strings.TrimSpace(v.GetString(KeyAPIBase)), "/"),
		Token:          strings.TrimSpace(v.GetString(KeyToken)),
		UserID:         v.GetInt64(KeyUserID),
		RoomID:         v.GetInt64(KeyRoomID),
		Listen:         v.GetString(KeyListen),
		Interactive:    v.GetBool(KeyInteractive),
		VideoDuration:  v.GetFloat64(KeyVideoDuration),
		RequireGesture: v.GetBool(KeyRequireGesture),
		Health: health.Config{
			MaxErrorDuration:      v.GetDuration(KeyMaxErrorDuration),
			MaxErrorCount:         v.GetInt(KeyMaxErrorCount),
			RecoveryCheckInterval: v.GetDuration(KeyRecoveryCheckInterval),
			FragmentSettle:        v.GetDuration(KeyFragmentSettle),
			LevelSettle:           v.GetDuration(KeyLevelSettle),
			ErrorClearDelay:       v.GetDuration(KeyErrorClearDelay),
		},
		Sync:       videosync.Config{RestoreSettle: v.GetDuration(KeyRestoreSettle)},
		ToastDelay: v.GetDuration(KeyToastDelay),
	}
	cfg.Conn = conn.Config{
		URL:               cfg.ServerURL,
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		ReconnectDelay:    v.GetDuration(KeyReconnectDelay),
		DebugCapacity:     v.GetInt(KeyDebugCapacity),
	}
	if cfg.ServerURL == "" {
		return ClientConfig{}, ErrMissingServerURL
	}
	if cfg.Health.MaxErrorCount <= 0 {
		return ClientConfig{}, fmt.Errorf("%s must be positive, got %d", KeyMaxErrorCount, cfg.Health.MaxErrorCount)
	}
	return cfg, nil
}

// Session converts the loaded settings into the agent's configuration.
func (c ClientConfig) Session() session.Config {
	return session.Config{
		UserID:     c.UserID,
		Conn:       c.Conn,
		Health:     c.Health,
		Sync:       c.Sync,
		ToastDelay: c.ToastDelay,
	}
}

func LoadServer(v *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:        v.GetString(KeyAddr),
		DBPath:      strings.TrimSpace(v.GetString(KeyDBPath)),
		Tokens:      splitList(v.GetStringSlice(KeyTokens)),
		AuthTimeout: v.GetDuration(KeyAuthTimeout),
		SendBuffer:  v.GetInt(KeySendBuffer),
	}
	if cfg.AuthTimeout <= 0 {
		return ServerConfig{}, fmt.Errorf("%s must be positive", KeyAuthTimeout)
	}
	return cfg, nil
}

// splitList flattens comma separated entries, which is how a list arrives
// from a single environment variable.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
