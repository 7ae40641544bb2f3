package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type SessionsConfig struct {
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type BatchConfig struct {
	// Window is how long a scope accumulates events before flushing; every
	// new event re-arms it.
	Window time.Duration `yaml:"window"`
	// MaxWait, when set, caps the total delay of a batch under a sustained
	// event stream. Zero disables the cap.
	MaxWait time.Duration `yaml:"maxWait"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Subscribe RateLimiterConfig `yaml:"subscribe"`
	Publish   RateLimiterConfig `yaml:"publish"`
	System    RateLimiterConfig `yaml:"system"`
	Default   RateLimiterConfig `yaml:"default"`
}

// User declares a token for one account of the bookkeeping application.
// Admin tokens may join any user scope and publish events; plain tokens are
// scoped to their own user.
type User struct {
	Token string `yaml:"token"`
	Admin bool   `yaml:"admin,omitempty"`
}

type Server struct {
	HttpBinding    string          `yaml:"httpBinding"`
	InstanceSecret string          `yaml:"instanceSecret"` // hashed into the service's root token
	TLS            TLS             `yaml:"tls"`
	Users          map[string]User `yaml:"users"`
	Sessions       SessionsConfig  `yaml:"sessions"`
	Batch          BatchConfig     `yaml:"batch"`
	RateLimiters   RateLimiters    `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrHttpBindingMissing                      = errors.New("httpBinding is missing in config")
	ErrInstanceSecretMissing                   = errors.New("instanceSecret is missing in config")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrUserTokenMissing                        = errors.New("every user in config requires a non-empty token")
	ErrDuplicateUserToken                      = errors.New("duplicate user token in config - each user must have a unique token")
	ErrBatchWindowMissing                      = errors.New("batch.window is missing or invalid in config")
	ErrBatchMaxWaitInvalid                     = errors.New("batch.maxWait must be zero or greater than batch.window")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrRateLimitersSubscribeLimitMissing       = errors.New("rateLimiters.subscribe.limit is missing in config")
	ErrRateLimitersPublishLimitMissing         = errors.New("rateLimiters.publish.limit is missing in config")
	ErrRateLimitersSystemLimitMissing          = errors.New("rateLimiters.system.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
)

func LoadConfig(configFile string) (*Server, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Server
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if cfg.HttpBinding == "" {
		return nil, ErrHttpBindingMissing
	}
	if cfg.InstanceSecret == "" {
		return nil, ErrInstanceSecretMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return nil, ErrTLSMissing
	}

	seenTokens := make(map[string]bool)
	for _, user := range cfg.Users {
		if user.Token == "" {
			return nil, ErrUserTokenMissing
		}
		if seenTokens[user.Token] {
			return nil, ErrDuplicateUserToken
		}
		seenTokens[user.Token] = true
	}

	if cfg.Batch.Window <= 0 {
		return nil, ErrBatchWindowMissing
	}
	if cfg.Batch.MaxWait != 0 && cfg.Batch.MaxWait <= cfg.Batch.Window {
		return nil, ErrBatchMaxWaitInvalid
	}

	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return nil, ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return nil, ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return nil, ErrSessionsMaxConnectionsMissing
	}

	if cfg.RateLimiters.Subscribe.Limit == 0 {
		return nil, ErrRateLimitersSubscribeLimitMissing
	}
	if cfg.RateLimiters.Publish.Limit == 0 {
		return nil, ErrRateLimitersPublishLimitMissing
	}
	if cfg.RateLimiters.System.Limit == 0 {
		return nil, ErrRateLimitersSystemLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return nil, ErrRateLimitersDefaultLimitMissing
	}

	return &cfg, nil
}

// GenerateConfig returns a default configuration suitable for writing out on
// first launch.
func GenerateConfig() *Server {
	return &Server{
		HttpBinding:    "127.0.0.1:8089",
		InstanceSecret: "please_change_this_secret_in_production_!!!",
		TLS: TLS{
			Cert: "", // Set both to serve TLS directly; leave empty behind a terminating proxy.
			Key:  "",
		},
		Users: map[string]User{
			"backend": {Token: "backend_token_please_change_!!!", Admin: true},
			"u1":      {Token: "u1_token_please_change_!!!"},
		},
		Sessions: SessionsConfig{
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           256,
		},
		Batch: BatchConfig{
			Window:  100 * time.Millisecond,
			MaxWait: 0,
		},
		RateLimiters: RateLimiters{
			Subscribe: RateLimiterConfig{Limit: 10.0, Burst: 20},
			Publish:   RateLimiterConfig{Limit: 200.0, Burst: 400},
			System:    RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default:   RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
	}
}
