package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Network struct {
		WSKeepAliveSeconds      int `yaml:"ws_keepalive_seconds"`
		HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`
		ReconnectMinMs          int `yaml:"reconnect_min_ms"`
		ReconnectMaxMs          int `yaml:"reconnect_max_ms"`
	} `yaml:"network"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Server struct {
		Addr                string   `yaml:"addr"`
		Pprof               bool     `yaml:"pprof"`
		ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
		IdleTimeoutSeconds  int      `yaml:"idle_timeout_seconds"`
		AdminAllowCIDRs     []string `yaml:"admin_allow_cidrs"`
		ActionsPerSecond    float64  `yaml:"actions_per_second"`
		ActionsBurst        int      `yaml:"actions_burst"`
	} `yaml:"server"`
	Feed struct {
		URL           string   `yaml:"url"`
		Name          string   `yaml:"name"`
		DefaultMarket string   `yaml:"default_market"`
		ToggleOrder   []string `yaml:"toggle_order"`
		KillCode      int      `yaml:"kill_code"`
		KillReason    string   `yaml:"kill_reason"`
	} `yaml:"feed"`
	Markets Markets `yaml:"markets"`
}

func defaultConfig() Config {
	var c Config
	c.Network.WSKeepAliveSeconds = 15
	c.Network.HandshakeTimeoutSeconds = 5
	c.Network.ReconnectMinMs = 500
	c.Network.ReconnectMaxMs = 10000
	c.Logging.Level = "info"
	c.Logging.Pretty = false
	c.Server.Addr = ":9090"
	c.Server.Pprof = false
	c.Server.ReadTimeoutSeconds = 5
	c.Server.WriteTimeoutSeconds = 10
	c.Server.IdleTimeoutSeconds = 60
	c.Server.AdminAllowCIDRs = []string{"127.0.0.0/8", "::1/128"}
	c.Server.ActionsPerSecond = 2
	c.Server.ActionsBurst = 5
	c.Feed.URL = "wss://www.cryptofacilities.com/ws/v1"
	c.Feed.Name = "book_ui_1"
	c.Feed.DefaultMarket = "PI_XBTUSD"
	c.Feed.ToggleOrder = []string{"PI_XBTUSD", "PI_ETHUSD"}
	c.Feed.KillCode = 4000
	c.Feed.KillReason = "feed killed by user"
	c.Markets = Markets{
		"PI_XBTUSD": {DefaultGroup: 0.5, Groups: []float64{0.5, 1, 2.5}},
		"PI_ETHUSD": {DefaultGroup: 0.05, Groups: []float64{0.05, 0.1, 0.25}},
	}
	return c
}

// Load builds the config from defaults, the YAML file named by BOOKFEED_CONFIG
// and BOOKFEED_* env overrides. Use Validate before wiring it.
func Load() Config {
	c := defaultConfig()
	if path := os.Getenv("BOOKFEED_CONFIG"); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			var fromFile Config
			if err := yaml.Unmarshal(b, &fromFile); err == nil && len(fromFile.Markets) > 0 {
				// a file that lists markets replaces the built-in mapping wholesale
				c.Markets = nil
			}
			_ = yaml.Unmarshal(b, &c)
		}
	}
	if v := os.Getenv("BOOKFEED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BOOKFEED_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BOOKFEED_PPROF"); v == "1" || v == "true" {
		c.Server.Pprof = true
	}
	if v := os.Getenv("BOOKFEED_ADMIN_ALLOW_CIDRS"); v != "" {
		c.Server.AdminAllowCIDRs = splitCSV(v)
	}
	if v := os.Getenv("BOOKFEED_FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("BOOKFEED_MARKET"); v != "" {
		c.Feed.DefaultMarket = v
	}
	if v := os.Getenv("BOOKFEED_RECONNECT_MIN_MS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Network.ReconnectMinMs = n
		}
	}
	if v := os.Getenv("BOOKFEED_RECONNECT_MAX_MS"); v != "" {
		var n int
		_, _ = fmt.Sscan(v, &n)
		if n > 0 {
			c.Network.ReconnectMaxMs = n
		}
	}
	return c
}

// Validate checks the parts of the config the feed cannot run without.
func (c Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is empty")
	}
	if c.Feed.Name == "" {
		return fmt.Errorf("feed.name is empty")
	}
	if c.Feed.KillCode < 3000 || c.Feed.KillCode > 4999 {
		return fmt.Errorf("feed.kill_code %d outside the private close code range 3000-4999", c.Feed.KillCode)
	}
	if err := c.Markets.Validate(); err != nil {
		return err
	}
	if _, ok := c.Markets[c.Feed.DefaultMarket]; !ok {
		return fmt.Errorf("feed.default_market %q is not configured", c.Feed.DefaultMarket)
	}
	for _, m := range c.Feed.ToggleOrder {
		if _, ok := c.Markets[m]; !ok {
			return fmt.Errorf("feed.toggle_order: market %q is not configured", m)
		}
	}
	if c.Network.ReconnectMinMs <= 0 || c.Network.ReconnectMaxMs < c.Network.ReconnectMinMs {
		return fmt.Errorf("network: reconnect window %d..%dms is invalid", c.Network.ReconnectMinMs, c.Network.ReconnectMaxMs)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	buf := []rune{}
	for _, r := range s {
		if r == ',' {
			if len(buf) > 0 {
				out = append(out, string(buf))
				buf = buf[:0]
			}
			continue
		}
		buf = append(buf, r)
	}
	if len(buf) > 0 {
		out = append(out, string(buf))
	}
	return out
}
