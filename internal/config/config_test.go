package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	_ = os.Unsetenv("BOOKFEED_CONFIG")
	_ = os.Unsetenv("BOOKFEED_LOG_LEVEL")
	_ = os.Unsetenv("BOOKFEED_MARKET")

	c := Load()
	require.NoError(t, c.Validate())
	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "PI_XBTUSD", c.Feed.DefaultMarket)
	assert.Equal(t, 4000, c.Feed.KillCode)
	assert.Equal(t, 0.5, c.Markets["PI_XBTUSD"].DefaultGroup)
	assert.Equal(t, []float64{0.05, 0.1, 0.25}, c.Markets["PI_ETHUSD"].Groups)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BOOKFEED_LOG_LEVEL", "debug")
	t.Setenv("BOOKFEED_MARKET", "PI_ETHUSD")
	t.Setenv("BOOKFEED_RECONNECT_MIN_MS", "50")
	t.Setenv("BOOKFEED_ADMIN_ALLOW_CIDRS", "10.0.0.0/8,192.168.0.0/16")

	c := Load()
	assert.Equal(t, "debug", c.Logging.Level)
	assert.Equal(t, "PI_ETHUSD", c.Feed.DefaultMarket)
	assert.Equal(t, 50, c.Network.ReconnectMinMs)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, c.Server.AdminAllowCIDRs)
}

func TestYAMLReplacesMarkets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookfeed.yaml")
	body := `
feed:
  default_market: PF_SOLUSD
  toggle_order: [PF_SOLUSD]
markets:
  PF_SOLUSD:
    default_group: 0.01
    groups: [0.01, 0.05]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("BOOKFEED_CONFIG", path)

	c := Load()
	require.NoError(t, c.Validate())
	assert.Equal(t, []string{"PF_SOLUSD"}, c.Markets.IDs())
	assert.Equal(t, "book_ui_1", c.Feed.Name, "unset keys keep defaults")
}

func TestValidate(t *testing.T) {
	c := defaultConfig()
	c.Feed.DefaultMarket = "PI_LTCUSD"
	assert.Error(t, c.Validate())

	c = defaultConfig()
	c.Feed.KillCode = 1000
	assert.Error(t, c.Validate())

	c = defaultConfig()
	c.Markets["PI_XBTUSD"] = Market{DefaultGroup: 5, Groups: []float64{0.5, 1}}
	assert.Error(t, c.Validate())

	c = defaultConfig()
	c.Feed.ToggleOrder = []string{"PI_XBTUSD", "NOPE"}
	assert.Error(t, c.Validate())
}

func TestMarketsNext(t *testing.T) {
	ms := defaultConfig().Markets
	order := []string{"PI_XBTUSD", "PI_ETHUSD"}

	assert.Equal(t, "PI_ETHUSD", ms.Next("PI_XBTUSD", order))
	assert.Equal(t, "PI_XBTUSD", ms.Next("PI_ETHUSD", order))
	assert.Equal(t, "PI_XBTUSD", ms.Next("UNKNOWN", order))
	assert.Equal(t, "PI_XBTUSD", ms.Next("PI_ETHUSD", nil), "falls back to lexical ids")
}

func TestMarketAllows(t *testing.T) {
	m := Market{DefaultGroup: 0.5, Groups: []float64{0.5, 1, 2.5}}
	assert.True(t, m.Allows(2.5))
	assert.False(t, m.Allows(2))
}
