package main

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/sppp/pkg/ppp"
)

// linkFlags holds the flag values that shape the ppp.Config.
type linkFlags struct {
	name        string
	framing     string
	mtu         int
	passive     bool
	autoDial    bool
	keepalive   bool
	idleTimeout time.Duration

	localIP    string
	remoteIP   string
	dnsQuery   bool
	noIPCP     bool
	noIPv6CP   bool
	ifid       string
	peerIfid   string
	ciscoAddr  string
	authFails  int
	authProto  string
	authName   string
	authSecret string
	peerProto  string
	peerName   string
	peerSecret string
	noRechal   bool
}

func parseFraming(s string) (ppp.Framing, error) {
	switch strings.ToLower(s) {
	case "hdlc", "ppp":
		return ppp.FramingHDLC, nil
	case "none", "pppoe":
		return ppp.FramingNone, nil
	case "cisco":
		return ppp.FramingCiscoHD, nil
	default:
		return 0, fmt.Errorf("invalid framing %q (want hdlc, none or cisco)", s)
	}
}

func parseAuthProto(s string) (uint16, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return 0, nil
	case "pap":
		return ppp.ProtocolPAP, nil
	case "chap":
		return ppp.ProtocolCHAP, nil
	default:
		return 0, fmt.Errorf("invalid auth protocol %q (want none, pap or chap)", s)
	}
}

// parseInterfaceID accepts 16 hex digits, optionally grouped with colons
// (0211:22ff:fe33:4455).
func parseInterfaceID(s string) (ppp.InterfaceID, error) {
	var id ppp.InterfaceID
	if s == "" {
		return id, nil
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("invalid interface identifier %q", s)
	}
	copy(id[:], raw)
	return id, nil
}

func parseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

// buildLinkConfig turns flag values into a validated ppp.Config.
func buildLinkConfig(f linkFlags) (ppp.Config, error) {
	cfg := ppp.DefaultConfig()
	cfg.Name = f.name
	cfg.Passive = f.passive
	cfg.AutoDial = f.autoDial
	cfg.Keepalive = f.keepalive
	cfg.MaxAuthFailures = f.authFails
	if f.mtu != 0 {
		cfg.MTU = f.mtu
	}

	var err error
	if cfg.Framing, err = parseFraming(f.framing); err != nil {
		return cfg, err
	}
	cfg.IdleTimeout = f.idleTimeout

	cfg.IPCP.Disabled = f.noIPCP
	if cfg.IPCP.Local, err = parseAddr(f.localIP); err != nil {
		return cfg, err
	}
	if cfg.IPCP.Remote, err = parseAddr(f.remoteIP); err != nil {
		return cfg, err
	}
	if f.dnsQuery {
		cfg.IPCP.DNSQuery = 0x3
	}

	cfg.IPv6CP.Disabled = f.noIPv6CP
	if cfg.IPv6CP.InterfaceID, err = parseInterfaceID(f.ifid); err != nil {
		return cfg, err
	}
	if cfg.IPv6CP.PeerInterfaceID, err = parseInterfaceID(f.peerIfid); err != nil {
		return cfg, err
	}

	if f.ciscoAddr != "" {
		if cfg.CiscoAddress, err = netip.ParsePrefix(f.ciscoAddr); err != nil {
			return cfg, fmt.Errorf("invalid cisco address %q: %w", f.ciscoAddr, err)
		}
	}

	if cfg.MyAuth.Proto, err = parseAuthProto(f.authProto); err != nil {
		return cfg, err
	}
	cfg.MyAuth.Name = f.authName
	cfg.MyAuth.Secret = f.authSecret

	if cfg.HisAuth.Proto, err = parseAuthProto(f.peerProto); err != nil {
		return cfg, err
	}
	cfg.HisAuth.Name = f.peerName
	cfg.HisAuth.Secret = f.peerSecret
	if f.noRechal {
		cfg.HisAuth.Flags |= ppp.NoRechallenge
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, path string, logger *zap.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg map[string]interface{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	logger.Info("Loaded config file", zap.String("path", path), zap.Int("keys", len(cfg)))

	for key, raw := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		val := yamlValue(raw)
		if err := cmd.Flags().Set(key, val); err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
	}

	return nil
}

// yamlValue renders a decoded YAML value in flag syntax. Sequences become
// comma-separated lists.
func yamlValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, yamlValue(e))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(t)
	}
}

func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
