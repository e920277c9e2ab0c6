package config

import (
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"iptv-proxy/work/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a CLI argument nor IPTV_PROXY_CONFIG names a file.
const DefaultConfigPath = "/settings/config.yml"

// Budget is a timeout/retry budget for one class of upstream fetch.
type Budget struct {
	Timeout      time.Duration // per-attempt timeout
	TotalTimeout time.Duration // retries stop once this much time has elapsed
	RetryDelay   time.Duration // fixed delay between attempts
}

// Config holds all application configuration values for the IPTV proxy server.
// It includes listener settings, token settings, refresh budgets and the upstream groups.
type Config struct {
	Host                 string        // Listen host
	Port                 int           // Listen port
	BaseURL              string        // External base URL used in rendered playlists (empty = from request)
	ForwardedPass        string        // Shared secret accepted in the Forwarded header
	TokenSalt            string        // Salt mixed into user token digests
	AllowAnonymous       bool          // Issue numeric ids to users without a name
	Users                []string      // Allow-listed user names
	SortChannels         bool          // Sort /m3u output by channel name
	LogLevel             string        // DEBUG, INFO, WARN, ERROR
	WorkerThreads        int           // Size of the refresh worker pool
	RelayBufferSize      int           // Relay chunk size in KB
	PlaylistCacheTTL     time.Duration // Lifetime of rendered /m3u playlists
	InfoCacheTTL         time.Duration // Lifetime of a per-user cached segment list
	Channels             Budget        // Budget for upstream playlist downloads
	Xmltv                Budget        // Budget for upstream EPG downloads
	RefreshInterval      time.Duration // Delay before the next refresh after a success
	RefreshRetryInterval time.Duration // Delay before the next refresh after a failure
	CatchupParams        []string      // Query parameters that mark a timeshift request
	Servers              []ServerConfig
}

// ServerConfig is one upstream group: a provider with one or more connections
// sharing the same policy.
type ServerConfig struct {
	Name               string
	Provider           string // Channels of groups with the same provider merge by name or EPG id
	Connections        []ConnectionConfig
	XmltvURL           string
	SendUser           bool
	ProxyStream        bool
	FollowRedirects    bool
	UserAgent          string
	ChannelFailed      time.Duration // Cooldown after a final info failure, 0 disables it
	Info               Budget
	Catchup            Budget
	StreamStartTimeout time.Duration
	StreamReadTimeout  time.Duration // 0 uses the adaptive segment timeout
	GroupInclude       []string
	GroupExclude       []string
	RequestsPerSecond  int
	VariantStrategy    string
}

// ConnectionConfig is one set of credentials against a provider. Each one becomes
// an upstream server with its own connection slots.
type ConnectionConfig struct {
	URL            string
	Login          string
	Password       string
	MaxConnections int
}

// BudgetFile holds a Budget with string durations.
type BudgetFile struct {
	Timeout      string `yaml:"timeout"`
	TotalTimeout string `yaml:"totalTimeout"`
	RetryDelay   string `yaml:"retryDelay"`
}

// ConfigFile represents the YAML file structure.
// String duration fields (e.g., "10m") are parsed into time.Duration values.
type ConfigFile struct {
	Host                 string             `yaml:"host"`
	Port                 int                `yaml:"port"`
	BaseURL              string             `yaml:"baseUrl"`
	ForwardedPass        string             `yaml:"forwardedPass"`
	TokenSalt            string             `yaml:"tokenSalt"`
	AllowAnonymous       *bool              `yaml:"allowAnonymous"`
	Users                []string           `yaml:"users"`
	SortChannels         *bool              `yaml:"sortChannels"`
	LogLevel             string             `yaml:"logLevel"`
	WorkerThreads        int                `yaml:"workerThreads"`
	RelayBufferSize      int                `yaml:"relayBufferSize"`
	PlaylistCacheTTL     string             `yaml:"playlistCacheTtl"`
	InfoCacheTTL         string             `yaml:"infoCacheTtl"`
	Channels             BudgetFile         `yaml:"channels"`
	Xmltv                BudgetFile         `yaml:"xmltv"`
	RefreshInterval      string             `yaml:"refreshInterval"`
	RefreshRetryInterval string             `yaml:"refreshRetryInterval"`
	CatchupParams        []string           `yaml:"catchupParams"`
	Servers              []ServerConfigFile `yaml:"servers"`
}

// ServerConfigFile represents one upstream group in YAML format.
type ServerConfigFile struct {
	Name               string                 `yaml:"name"`
	Provider           string                 `yaml:"provider"`
	Connections        []ConnectionConfigFile `yaml:"connections"`
	XmltvURL           string                 `yaml:"xmltvUrl"`
	SendUser           bool                   `yaml:"sendUser"`
	ProxyStream        *bool                  `yaml:"proxyStream"`
	FollowRedirects    *bool                  `yaml:"followRedirects"`
	UserAgent          string                 `yaml:"userAgent"`
	ChannelFailed      string                 `yaml:"channelFailed"`
	Info               BudgetFile             `yaml:"info"`
	Catchup            BudgetFile             `yaml:"catchup"`
	StreamStartTimeout string                 `yaml:"streamStartTimeout"`
	StreamReadTimeout  string                 `yaml:"streamReadTimeout"`
	GroupInclude       []string               `yaml:"groupInclude"`
	GroupExclude       []string               `yaml:"groupExclude"`
	RequestsPerSecond  int                    `yaml:"requestsPerSecond"`
	VariantStrategy    string                 `yaml:"variantStrategy"`
}

// ConnectionConfigFile represents one connection in YAML format.
type ConnectionConfigFile struct {
	URL            string `yaml:"url"`
	Login          string `yaml:"login"`
	Password       string `yaml:"password"`
	MaxConnections int    `yaml:"maxConnections"`
}

var envOnce sync.Once

// ResolvePath picks the configuration file path.
//
// Order: explicit argument, $IPTV_PROXY_CONFIG (a .env file in the working
// directory is loaded first), then DefaultConfigPath.
func ResolvePath(arg string) string {
	envOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			logger.Warn("{config - ResolvePath} could not load .env: %v", err)
		}
	})
	if arg != "" {
		return arg
	}
	if p := os.Getenv("IPTV_PROXY_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads, converts and validates the configuration at path.
//
// Parameters:
//   - path: path to the YAML config file
//
// Returns:
//   - *Config: fully validated configuration object
//   - error: if reading, parsing or validation failed
func Load(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse converts raw YAML into a validated Config.
func Parse(data []byte) (*Config, error) {
	var configFile ConfigFile
	if err := yaml.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	config, err := convertFromFile(&configFile)
	if err != nil {
		return nil, err
	}

	if err := validateAndSetDefaults(config); err != nil {
		return nil, err
	}

	logger.Debug("{config - Parse} loaded %d server groups", len(config.Servers))
	for i := range config.Servers {
		srv := &config.Servers[i]
		for _, conn := range srv.Connections {
			logger.Debug("{config - Parse}   %s: %s (max connections: %d)",
				srv.Name, ObfuscateURL(conn.URL), conn.MaxConnections)
		}
	}

	return config, nil
}

// parseDuration parses an optional duration string; empty means zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

func convertBudget(field string, bf BudgetFile) (Budget, error) {
	var b Budget
	var err error
	if b.Timeout, err = parseDuration(field+".timeout", bf.Timeout); err != nil {
		return b, err
	}
	if b.TotalTimeout, err = parseDuration(field+".totalTimeout", bf.TotalTimeout); err != nil {
		return b, err
	}
	if b.RetryDelay, err = parseDuration(field+".retryDelay", bf.RetryDelay); err != nil {
		return b, err
	}
	return b, nil
}

func boolOr(v *bool, dflt bool) bool {
	if v == nil {
		return dflt
	}
	return *v
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Host:            cf.Host,
		Port:            cf.Port,
		BaseURL:         cf.BaseURL,
		ForwardedPass:   cf.ForwardedPass,
		TokenSalt:       cf.TokenSalt,
		AllowAnonymous:  boolOr(cf.AllowAnonymous, true),
		Users:           cf.Users,
		SortChannels:    boolOr(cf.SortChannels, true),
		LogLevel:        cf.LogLevel,
		WorkerThreads:   cf.WorkerThreads,
		RelayBufferSize: cf.RelayBufferSize,
		CatchupParams:   cf.CatchupParams,
	}

	// Parse duration fields
	var err error
	if config.PlaylistCacheTTL, err = parseDuration("playlistCacheTtl", cf.PlaylistCacheTTL); err != nil {
		return nil, err
	}
	if config.InfoCacheTTL, err = parseDuration("infoCacheTtl", cf.InfoCacheTTL); err != nil {
		return nil, err
	}
	if config.RefreshInterval, err = parseDuration("refreshInterval", cf.RefreshInterval); err != nil {
		return nil, err
	}
	if config.RefreshRetryInterval, err = parseDuration("refreshRetryInterval", cf.RefreshRetryInterval); err != nil {
		return nil, err
	}
	if config.Channels, err = convertBudget("channels", cf.Channels); err != nil {
		return nil, err
	}
	if config.Xmltv, err = convertBudget("xmltv", cf.Xmltv); err != nil {
		return nil, err
	}

	// Convert server groups
	config.Servers = make([]ServerConfig, len(cf.Servers))
	for i, sf := range cf.Servers {
		srv := &config.Servers[i]
		srv.Name = sf.Name
		srv.Provider = sf.Provider
		srv.XmltvURL = sf.XmltvURL
		srv.SendUser = sf.SendUser
		srv.ProxyStream = boolOr(sf.ProxyStream, true)
		srv.FollowRedirects = boolOr(sf.FollowRedirects, true)
		srv.UserAgent = sf.UserAgent
		srv.GroupInclude = sf.GroupInclude
		srv.GroupExclude = sf.GroupExclude
		srv.RequestsPerSecond = sf.RequestsPerSecond
		srv.VariantStrategy = sf.VariantStrategy

		for _, c := range sf.Connections {
			srv.Connections = append(srv.Connections, ConnectionConfig{
				URL:            c.URL,
				Login:          c.Login,
				Password:       c.Password,
				MaxConnections: c.MaxConnections,
			})
		}

		// Parse per-server durations
		if srv.ChannelFailed, err = parseDuration("channelFailed for server "+sf.Name, sf.ChannelFailed); err != nil {
			return nil, err
		}
		if srv.StreamStartTimeout, err = parseDuration("streamStartTimeout for server "+sf.Name, sf.StreamStartTimeout); err != nil {
			return nil, err
		}
		if srv.StreamReadTimeout, err = parseDuration("streamReadTimeout for server "+sf.Name, sf.StreamReadTimeout); err != nil {
			return nil, err
		}
		if srv.Info, err = convertBudget("info for server "+sf.Name, sf.Info); err != nil {
			return nil, err
		}
		if srv.Catchup, err = convertBudget("catchup for server "+sf.Name, sf.Catchup); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// setBudgetDefaults fills zero fields of b from dflt.
func setBudgetDefaults(b *Budget, dflt Budget) {
	if b.Timeout <= 0 {
		b.Timeout = dflt.Timeout
	}
	if b.TotalTimeout <= 0 {
		b.TotalTimeout = dflt.TotalTimeout
	}
	if b.RetryDelay <= 0 {
		b.RetryDelay = dflt.RetryDelay
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing ones and rejecting unusable ones.
func validateAndSetDefaults(config *Config) error {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.Port <= 0 {
		config.Port = 8080
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.RelayBufferSize <= 0 {
		config.RelayBufferSize = 64
	}
	if config.PlaylistCacheTTL <= 0 {
		config.PlaylistCacheTTL = time.Minute
	}
	if config.InfoCacheTTL <= 0 {
		config.InfoCacheTTL = time.Second
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 240 * time.Minute
	}
	if config.RefreshRetryInterval <= 0 {
		config.RefreshRetryInterval = 10 * time.Minute
	}
	if len(config.CatchupParams) == 0 {
		config.CatchupParams = []string{"utc", "lutc"}
	}
	setBudgetDefaults(&config.Channels, Budget{Timeout: 5 * time.Second, TotalTimeout: time.Minute, RetryDelay: time.Second})
	setBudgetDefaults(&config.Xmltv, Budget{Timeout: 30 * time.Second, TotalTimeout: 2 * time.Minute, RetryDelay: time.Second})

	if config.BaseURL != "" {
		if _, err := url.Parse(config.BaseURL); err != nil {
			return fmt.Errorf("invalid baseUrl: %w", err)
		}
	}
	if len(config.Servers) == 0 {
		return fmt.Errorf("no servers configured")
	}

	names := make(map[string]bool, len(config.Servers))
	for i := range config.Servers {
		srv := &config.Servers[i]
		if srv.Name == "" {
			srv.Name = fmt.Sprintf("server_%d", i+1)
		}
		if names[srv.Name] {
			return fmt.Errorf("duplicate server name %q", srv.Name)
		}
		names[srv.Name] = true

		if len(srv.Connections) == 0 {
			return fmt.Errorf("server %s has no connections", srv.Name)
		}
		for j := range srv.Connections {
			conn := &srv.Connections[j]
			if conn.URL == "" {
				return fmt.Errorf("server %s connection %d has no url", srv.Name, j+1)
			}
			if conn.MaxConnections <= 0 {
				conn.MaxConnections = 1
			}
		}

		setBudgetDefaults(&srv.Info, Budget{Timeout: time.Second, TotalTimeout: 2 * time.Second, RetryDelay: 100 * time.Millisecond})
		setBudgetDefaults(&srv.Catchup, Budget{Timeout: 2 * time.Second, TotalTimeout: 5 * time.Second, RetryDelay: 100 * time.Millisecond})
		if srv.StreamStartTimeout <= 0 {
			srv.StreamStartTimeout = time.Second
		}
		if srv.UserAgent == "" {
			srv.UserAgent = "VLC/3.0.18 LibVLC/3.0.18"
		}
		switch srv.VariantStrategy {
		case "":
			srv.VariantStrategy = "first"
		case "first", "highest", "lowest":
		default:
			return fmt.Errorf("server %s: unknown variantStrategy %q", srv.Name, srv.VariantStrategy)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerByName returns a pointer to the ServerConfig with the given name.
// Returns nil if no match is found.
func (c *Config) GetServerByName(name string) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].Name == name {
			return &c.Servers[i]
		}
	}
	return nil
}

// ObfuscateURL masks sensitive parts of a URL for logging.
//
// Example:
//
//	Input:  "http://example.com/secret/stream.m3u8?token=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
