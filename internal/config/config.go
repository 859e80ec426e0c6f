package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Transport type constants for ServerConfig.Type.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportWebsocket      = "websocket"
	TransportStreamableHTTP = "streamable-http"
)

// Default timeouts. InitTimeout applies to the initialize handshake,
// CallToolTimeout to individual tools/call requests.
const (
	DefaultInitTimeout     = 120 * time.Second
	DefaultCallToolTimeout = 2 * time.Minute

	// Idle limits after which pooled connections are reclaimed.
	DefaultThreadIdleTimeout = 60 * time.Minute
	DefaultUserIdleTimeout   = 15 * time.Minute
)

// Duration is a time.Duration that unmarshals from either a JSON number
// (milliseconds) or a Go duration string ("30s", "2m").
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", string(data), err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := unmarshal(&ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level pool configuration.
type Config struct {
	DataDir string `json:"data_dir,omitempty" yaml:"data_dir" mapstructure:"data-dir"`

	// Servers keyed by server name.
	Servers map[string]*ServerConfig `json:"mcpServers" yaml:"mcpServers" mapstructure:"servers"`

	// Idle limits. Zero means the default.
	ThreadIdleTimeout Duration `json:"thread_idle_timeout,omitempty" yaml:"thread_idle_timeout" mapstructure:"thread-idle-timeout"`
	UserIdleTimeout   Duration `json:"user_idle_timeout,omitempty" yaml:"user_idle_timeout" mapstructure:"user-idle-timeout"`

	// Default per-call timeout for tools/call.
	CallToolTimeout Duration `json:"call_tool_timeout,omitempty" yaml:"call_tool_timeout" mapstructure:"call-tool-timeout"`

	// Separator between tool name and server name in namespaced tool names.
	ToolNameDelimiter string `json:"tool_name_delimiter,omitempty" yaml:"tool_name_delimiter" mapstructure:"tool-name-delimiter"`

	Logging *LogConfig `json:"logging,omitempty" yaml:"logging" mapstructure:"logging"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" yaml:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" yaml:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" yaml:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" yaml:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" yaml:"log_dir" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" yaml:"max_size" mapstructure:"max-size"`       // MB
	MaxBackups    int    `json:"max_backups" yaml:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" yaml:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" yaml:"json_format" mapstructure:"json-format"`
}

// ServerConfig describes one upstream MCP server.
type ServerConfig struct {
	Name string `json:"name,omitempty" yaml:"name" mapstructure:"name"`

	// Type selects the transport: stdio, sse, websocket or streamable-http.
	// Empty means inferred (command present -> stdio, ws/wss URL -> websocket,
	// otherwise sse).
	Type string `json:"type,omitempty" yaml:"type" mapstructure:"type"`

	// stdio transport
	Command string            `json:"command,omitempty" yaml:"command" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env" mapstructure:"env"`

	// URL transports
	URL     string            `json:"url,omitempty" yaml:"url" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers" mapstructure:"headers"`

	// InitTimeout bounds connect + initialize. Zero means DefaultInitTimeout.
	InitTimeout Duration `json:"init_timeout,omitempty" yaml:"init_timeout" mapstructure:"init-timeout"`

	// Timeout bounds individual tools/call requests.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout" mapstructure:"timeout"`

	// Disabled servers stay in the config but are never connected.
	Disabled bool   `json:"disabled,omitempty" yaml:"disabled" mapstructure:"disabled"`
	IconPath string `json:"icon_path,omitempty" yaml:"icon_path" mapstructure:"icon-path"`

	// Instructions controls server instruction collection: true asks the
	// server during initialize, a string supplies a literal override.
	Instructions *Instructions `json:"instructions,omitempty" yaml:"instructions" mapstructure:"instructions"`

	// CustomUserVars declares placeholder names callers may substitute into
	// URL, headers and env at acquisition time, with display metadata.
	CustomUserVars map[string]UserVarSpec `json:"custom_user_vars,omitempty" yaml:"custom_user_vars" mapstructure:"custom-user-vars"`

	OAuth *OAuthConfig `json:"oauth,omitempty" yaml:"oauth" mapstructure:"oauth"`

	Created time.Time `json:"created,omitempty" yaml:"created" mapstructure:"created"`
	Updated time.Time `json:"updated,omitempty" yaml:"updated" mapstructure:"updated"`
}

// UserVarSpec describes a declared per-user variable for UI surfaces.
type UserVarSpec struct {
	Title       string `json:"title,omitempty" yaml:"title" mapstructure:"title"`
	Description string `json:"description,omitempty" yaml:"description" mapstructure:"description"`
}

// Instructions is a bool-or-string JSON value. Enabled with an empty Text
// means "ask the server"; a non-empty Text is used verbatim.
type Instructions struct {
	Enabled bool
	Text    string
}

// UnmarshalJSON implements json.Unmarshaler
func (i *Instructions) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		i.Enabled = b
		i.Text = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("instructions must be a boolean or a string")
	}
	i.Enabled = true
	i.Text = s
	return nil
}

// MarshalJSON implements json.Marshaler
func (i Instructions) MarshalJSON() ([]byte, error) {
	if i.Text != "" {
		return json.Marshal(i.Text)
	}
	return json.Marshal(i.Enabled)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (i *Instructions) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		i.Enabled = b
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("instructions must be a boolean or a string")
	}
	i.Enabled = true
	i.Text = s
	return nil
}

// OAuthConfig represents OAuth configuration for an upstream server.
type OAuthConfig struct {
	// Issuer or resource base used for metadata discovery. Defaults to the
	// server URL origin.
	Issuer string `json:"issuer,omitempty" yaml:"issuer" mapstructure:"issuer"`

	// Endpoints, auto-discovered when empty.
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty" yaml:"authorization_endpoint" mapstructure:"authorization-endpoint"`
	TokenEndpoint         string `json:"token_endpoint,omitempty" yaml:"token_endpoint" mapstructure:"token-endpoint"`

	ClientID     string   `json:"client_id,omitempty" yaml:"client_id" mapstructure:"client-id"`
	ClientSecret string   `json:"client_secret,omitempty" yaml:"client_secret" mapstructure:"client-secret"`
	RedirectURI  string   `json:"redirect_uri,omitempty" yaml:"redirect_uri" mapstructure:"redirect-uri"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes" mapstructure:"scopes"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Servers:           map[string]*ServerConfig{},
		ThreadIdleTimeout: Duration(DefaultThreadIdleTimeout),
		UserIdleTimeout:   Duration(DefaultUserIdleTimeout),
		CallToolTimeout:   Duration(DefaultCallToolTimeout),
		ToolNameDelimiter: "__",
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// InitTimeoutOrDefault returns the configured init timeout or the default.
func (s *ServerConfig) InitTimeoutOrDefault() time.Duration {
	if s.InitTimeout > 0 {
		return s.InitTimeout.Std()
	}
	return DefaultInitTimeout
}

// CallTimeoutOrDefault returns the per-call timeout, falling back to
// fallback and then the package default.
func (s *ServerConfig) CallTimeoutOrDefault(fallback time.Duration) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Std()
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultCallToolTimeout
}

// Validate validates the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.ThreadIdleTimeout <= 0 {
		c.ThreadIdleTimeout = Duration(DefaultThreadIdleTimeout)
	}
	if c.UserIdleTimeout <= 0 {
		c.UserIdleTimeout = Duration(DefaultUserIdleTimeout)
	}
	if c.CallToolTimeout <= 0 {
		c.CallToolTimeout = Duration(DefaultCallToolTimeout)
	}
	if c.ToolNameDelimiter == "" {
		c.ToolNameDelimiter = "__"
	}
	for name, srv := range c.Servers {
		if srv == nil {
			return fmt.Errorf("server %q: empty configuration", name)
		}
		if srv.Name == "" {
			srv.Name = name
		}
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("server %q: %w", name, err)
		}
	}
	return nil
}
