package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aporia-zero/peernet/pkg/api"
	"github.com/aporia-zero/peernet/pkg/p2p"
	"github.com/aporia-zero/peernet/pkg/relay"
	"github.com/aporia-zero/peernet/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gopkg.in/yaml.v2"
)

// Config is the daemon configuration file. Omitted fields keep their
// defaults.
type Config struct {
	// Network configuration
	Network struct {
		BindAddress                 string        `yaml:"bind_address"`
		ExternalPort                uint16        `yaml:"external_port"`
		HideMyPort                  bool          `yaml:"hide_my_port"`
		GenesisHash                 string        `yaml:"genesis_hash"`
		ExpectedOutgoingConnections *int          `yaml:"expected_outgoing_connections"`
		ConnectInterval             time.Duration `yaml:"connect_interval"`
		ConnectTimeout              time.Duration `yaml:"connect_timeout"`
		HandshakeTimeout            time.Duration `yaml:"handshake_timeout"`
		PingTimeout                 time.Duration `yaml:"ping_timeout"`
		TimedSyncInterval           time.Duration `yaml:"timed_sync_interval"`
		HandshakePeers              int           `yaml:"handshake_peers"`
		MaxFrameSize                uint32        `yaml:"max_frame_size"`
		ExclusiveNodes              []string      `yaml:"exclusive_nodes"`
		PriorityNodes               []string      `yaml:"priority_nodes"`
		SeedNodes                   []string      `yaml:"seed_nodes"`
		AcceptRate                  *float64      `yaml:"accept_rate"`
		AcceptBurst                 int           `yaml:"accept_burst"`
	} `yaml:"network"`

	// Peer list configuration
	Peerlist struct {
		WhiteCapacity int           `yaml:"white_capacity"`
		GrayCapacity  int           `yaml:"gray_capacity"`
		MaxClockSkew  time.Duration `yaml:"max_clock_skew"`
		RetryDelay    time.Duration `yaml:"retry_delay"`
		WhitePercent  int           `yaml:"white_percent"`
	} `yaml:"peerlist"`

	// Relay configuration
	Relay struct {
		MaxSize            int           `yaml:"max_size"`
		MaxTransactionSize int           `yaml:"max_transaction_size"`
		ExpirationDuration time.Duration `yaml:"expiration_duration"`
		CleanupInterval    time.Duration `yaml:"cleanup_interval"`
		GossipInterval     time.Duration `yaml:"gossip_interval"`
		MaxBatch           int           `yaml:"max_batch"`
	} `yaml:"relay"`

	// API configuration
	API struct {
		Enabled       *bool    `yaml:"enabled"`
		Host          string   `yaml:"host"`
		Port          int      `yaml:"port"`
		EnableMetrics *bool    `yaml:"enable_metrics"`
		CorsAllowList []string `yaml:"cors_allow_list"`
		APIKey        string   `yaml:"api_key"`
		RateLimit     *float64 `yaml:"rate_limit"`
		RateBurst     int      `yaml:"rate_burst"`
	} `yaml:"api"`

	// Storage configuration
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
}

func loadConfig(path string) (*Config, error) {
	var config Config
	if path == "" {
		return &config, nil
	}

	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(configFile, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &config, nil
}

// nodeConfig converts the network and peerlist sections.
func (c *Config) nodeConfig() (p2p.NodeConfig, error) {
	cfg := p2p.DefaultNodeConfig()
	n := c.Network

	setString(&cfg.BindAddress, n.BindAddress)
	cfg.ExternalPort = n.ExternalPort
	cfg.HideMyPort = n.HideMyPort
	if n.GenesisHash != "" {
		if !isHash(n.GenesisHash) {
			return cfg, fmt.Errorf("network.genesis_hash: %q is not a 32 byte hex string", n.GenesisHash)
		}
		cfg.GenesisHash = common.HexToHash(n.GenesisHash)
	}
	if n.ExpectedOutgoingConnections != nil {
		cfg.ExpectedOutgoingConnections = *n.ExpectedOutgoingConnections
	}
	setDuration(&cfg.ConnectInterval, n.ConnectInterval)
	setDuration(&cfg.ConnectTimeout, n.ConnectTimeout)
	setDuration(&cfg.HandshakeTimeout, n.HandshakeTimeout)
	setDuration(&cfg.PingTimeout, n.PingTimeout)
	setDuration(&cfg.TimedSyncInterval, n.TimedSyncInterval)
	setInt(&cfg.HandshakePeers, n.HandshakePeers)
	if n.MaxFrameSize > 0 {
		cfg.MaxFrameSize = n.MaxFrameSize
	}
	if n.AcceptRate != nil {
		cfg.AcceptRate = *n.AcceptRate
	}
	setInt(&cfg.AcceptBurst, n.AcceptBurst)

	var err error
	if cfg.ExclusiveNodes, err = parseAddresses("network.exclusive_nodes", n.ExclusiveNodes); err != nil {
		return cfg, err
	}
	if cfg.PriorityNodes, err = parseAddresses("network.priority_nodes", n.PriorityNodes); err != nil {
		return cfg, err
	}
	if cfg.SeedNodes, err = parseAddresses("network.seed_nodes", n.SeedNodes); err != nil {
		return cfg, err
	}

	p := c.Peerlist
	setInt(&cfg.Peerlist.WhiteCapacity, p.WhiteCapacity)
	setInt(&cfg.Peerlist.GrayCapacity, p.GrayCapacity)
	setDuration(&cfg.Peerlist.MaxClockSkew, p.MaxClockSkew)
	setDuration(&cfg.Peerlist.RetryDelay, p.RetryDelay)
	setInt(&cfg.Peerlist.WhitePercent, p.WhitePercent)
	return cfg, nil
}

func (c *Config) relayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	r := c.Relay
	setInt(&cfg.Pool.MaxSize, r.MaxSize)
	setInt(&cfg.Pool.MaxTransactionSize, r.MaxTransactionSize)
	setDuration(&cfg.Pool.ExpirationDuration, r.ExpirationDuration)
	setDuration(&cfg.Pool.CleanupInterval, r.CleanupInterval)
	setDuration(&cfg.GossipInterval, r.GossipInterval)
	setInt(&cfg.MaxBatch, r.MaxBatch)
	return cfg
}

func (c *Config) apiConfig() *api.APIConfig {
	cfg := api.DefaultAPIConfig()
	a := c.API
	setString(&cfg.Host, a.Host)
	setInt(&cfg.Port, a.Port)
	if a.EnableMetrics != nil {
		cfg.EnableMetrics = *a.EnableMetrics
	}
	if len(a.CorsAllowList) > 0 {
		cfg.AllowedOrigins = a.CorsAllowList
	}
	cfg.APIKey = a.APIKey
	if a.RateLimit != nil {
		cfg.RateLimit = *a.RateLimit
	}
	setInt(&cfg.RateBurst, a.RateBurst)
	return cfg
}

func (c *Config) apiEnabled() bool {
	return c.API.Enabled == nil || *c.API.Enabled
}

func parseAddresses(field string, values []string) ([]types.NetworkAddress, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]types.NetworkAddress, 0, len(values))
	for _, v := range values {
		addr, err := types.ParseNetworkAddress(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, addr)
	}
	return out, nil
}

func isHash(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
