package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/sppp/pkg/metrics"
	"github.com/codelaboratoryltd/sppp/pkg/ppp"
	"github.com/codelaboratoryltd/sppp/pkg/radius"
	"github.com/codelaboratoryltd/sppp/pkg/routing"
	"github.com/codelaboratoryltd/sppp/pkg/transport"
)

var (
	version = "dev"
	commit  = "unknown"
)

var _ radius.Recorder = (*metrics.Metrics)(nil)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "spppd",
	Short: "Synchronous PPP and Cisco HDLC link daemon",
	Long: `spppd - runs one synchronous PPP or Cisco HDLC link.

LCP, PAP/CHAP, IPCP and IPv6CP are negotiated over a UDP or PPPoE session
transport. Negotiated addresses are installed with netlink, peers can be
verified against RADIUS, and link state is exported to Prometheus.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring up the link",
	RunE:  runDaemon,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("spppd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

var (
	configFile  string
	logLevel    string
	metricsAddr string
	pcapPath    string
	hostIface   string
	sweepEvery  time.Duration
	closeWait   time.Duration

	// Transport
	transportKind string
	udpLocal      string
	udpPeer       string
	pppoeIface    string
	pppoePeer     string
	pppoeSession  uint16

	// RADIUS
	radiusServers    string
	radiusSecret     string
	radiusSecretFile string
	radiusNASID      string
	radiusNASPort    uint32
	radiusTimeout    time.Duration
	radiusRetries    int

	lf linkFlags
)

func init() {
	flags := runCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "/etc/sppp/config.yaml",
		"YAML config file; keys are flag names")
	flags.StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics listen address (empty disables)")
	flags.StringVar(&pcapPath, "pcap", "",
		"Write every frame to this pcap file")
	flags.StringVar(&hostIface, "interface", "",
		"Host interface that receives negotiated addresses (empty: dry run)")
	flags.DurationVar(&sweepEvery, "keepalive-interval", ppp.KeepaliveInterval,
		"Keepalive and idle sweep interval")
	flags.DurationVar(&closeWait, "close-wait", 3*time.Second,
		"How long to wait for Terminate-Ack on shutdown")

	flags.StringVar(&transportKind, "transport", "udp",
		"Frame transport: udp or pppoe")
	flags.StringVar(&udpLocal, "udp-local", "0.0.0.0:5555",
		"Local UDP address")
	flags.StringVar(&udpPeer, "udp-peer", "",
		"Peer UDP address")
	flags.StringVar(&pppoeIface, "pppoe-interface", "",
		"Ethernet interface carrying the PPPoE session")
	flags.StringVar(&pppoePeer, "pppoe-peer", "",
		"Peer MAC address of the PPPoE session")
	flags.Uint16Var(&pppoeSession, "pppoe-session", 0,
		"PPPoE session ID")

	flags.StringVar(&radiusServers, "radius-servers", "",
		"Comma-separated RADIUS servers (host:port); enables RADIUS verification")
	flags.StringVar(&radiusSecret, "radius-secret", "",
		"RADIUS shared secret")
	flags.StringVar(&radiusSecretFile, "radius-secret-file", "",
		"File containing the RADIUS shared secret")
	flags.StringVar(&radiusNASID, "radius-nas-id", "sppp",
		"RADIUS NAS-Identifier")
	flags.Uint32Var(&radiusNASPort, "radius-nas-port", 0,
		"RADIUS NAS-Port")
	flags.DurationVar(&radiusTimeout, "radius-timeout", 3*time.Second,
		"RADIUS request timeout")
	flags.IntVar(&radiusRetries, "radius-retries", 3,
		"RADIUS attempts before giving up")

	flags.StringVar(&lf.name, "name", "ppp0", "Link name")
	flags.StringVar(&lf.framing, "framing", "hdlc",
		"Framing: hdlc, none or cisco (pppoe implies none)")
	flags.IntVar(&lf.mtu, "mtu", ppp.DefaultMTU, "Interface MTU")
	flags.BoolVar(&lf.passive, "passive", false, "Wait for the peer to start LCP")
	flags.BoolVar(&lf.autoDial, "auto-dial", false, "Start LCP on the first outbound packet")
	flags.BoolVar(&lf.keepalive, "keepalive", true, "Send LCP echo or Cisco keepalives")
	flags.DurationVar(&lf.idleTimeout, "idle-timeout", 0, "Close the link after this much idle time (0 disables)")
	flags.StringVar(&lf.localIP, "local-ip", "", "Local IPv4 address (empty: ask the peer)")
	flags.StringVar(&lf.remoteIP, "remote-ip", "", "IPv4 address assigned to the peer")
	flags.BoolVar(&lf.dnsQuery, "dns", false, "Request DNS servers from the peer")
	flags.BoolVar(&lf.noIPCP, "no-ipcp", false, "Disable IPCP")
	flags.BoolVar(&lf.noIPv6CP, "no-ipv6cp", false, "Disable IPv6CP")
	flags.StringVar(&lf.ifid, "ifid", "", "Local IPv6 interface identifier (empty: random)")
	flags.StringVar(&lf.peerIfid, "peer-ifid", "", "Expected peer interface identifier")
	flags.StringVar(&lf.ciscoAddr, "cisco-address", "", "Address/prefix returned to Cisco address requests")
	flags.IntVar(&lf.authFails, "max-auth-failures", ppp.DefaultAuthLimit,
		"Authentication failures before the link is locked (0: unlimited)")
	flags.StringVar(&lf.authProto, "auth-proto", "none", "Protocol we authenticate with: none, pap or chap")
	flags.StringVar(&lf.authName, "auth-name", "", "Our authentication name")
	flags.StringVar(&lf.authSecret, "auth-secret", "", "Our authentication secret")
	flags.StringVar(&lf.peerProto, "peer-auth-proto", "none", "Protocol the peer must authenticate with")
	flags.StringVar(&lf.peerName, "peer-name", "", "Expected peer name")
	flags.StringVar(&lf.peerSecret, "peer-secret", "", "Expected peer secret (unused with RADIUS)")
	flags.BoolVar(&lf.noRechal, "no-rechallenge", false, "Disable periodic CHAP re-challenges")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, configFile, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if transportKind == "pppoe" {
		if !cmd.Flags().Changed("framing") {
			lf.framing = "none"
		} else if f, err := parseFraming(lf.framing); err != nil || f != ppp.FramingNone {
			return fmt.Errorf("pppoe transport requires --framing=none")
		}
	}

	cfg, err := buildLinkConfig(lf)
	if err != nil {
		return fmt.Errorf("invalid link configuration: %w", err)
	}

	logger.Info("Starting spppd",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("link", cfg.Name),
		zap.Stringer("framing", cfg.Framing),
		zap.String("transport", transportKind),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	conn, err := openConn()
	if err != nil {
		return fmt.Errorf("failed to open transport: %w", err)
	}

	platform, err := openPlatform(logger)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open host platform: %w", err)
	}
	defer platform.Close()

	bindName := hostIface
	if bindName == "" {
		bindName = cfg.Name
	}
	binder := routing.NewBinder(platform, bindName, logger)

	link, err := ppp.NewLink(cfg, binder, logger)
	if err != nil {
		conn.Close()
		return err
	}

	registry := ppp.NewRegistry()
	registry.Attach(link)

	metricsCollector := metrics.New(registry, logger)
	if err := metricsCollector.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}
	link.SetObserver(metricsCollector)

	if radiusServers != "" {
		client, err := newRADIUSClient(logger)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to create RADIUS client: %w", err)
		}
		client.SetRecorder(metricsCollector)
		link.SetVerifier(client)
		logger.Info("RADIUS verification enabled", zap.String("servers", radiusServers))
	}

	link.SetOnPhaseChange(func(from, to ppp.Phase) {
		logger.Info("Link phase changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	})
	link.SetDeliver(func(proto uint16, payload []byte) {
		logger.Debug("Datagram received",
			zap.String("proto", ppp.ProtocolName(proto)),
			zap.Int("bytes", len(payload)),
		)
	})

	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsCollector.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	stopMetrics := make(chan struct{})
	go metricsCollector.StartCollector(5*time.Second, stopMetrics)

	supervisor := ppp.NewSupervisor(registry, sweepEvery, logger)
	supervisor.Start()

	pump := transport.NewPump(link, conn, logger)
	if pcapPath != "" {
		tap, err := transport.CreatePcapTap(pcapPath, cfg.Framing)
		if err != nil {
			logger.Warn("Packet capture disabled", zap.Error(err))
		} else {
			pump.SetTap(tap)
			defer tap.Close()
		}
	}

	pumpCtx, stopPump := context.WithCancel(context.Background())
	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- pump.Run(pumpCtx)
	}()

	link.Up()
	link.Open()

	select {
	case <-ctx.Done():
		link.Close()
		waitTerminated(link, closeWait)
		stopPump()
		<-pumpErr
	case err := <-pumpErr:
		stopPump()
		if err != nil {
			logger.Error("Transport failed", zap.Error(err))
		}
		link.Down()
	}

	supervisor.Stop()
	close(stopMetrics)
	logger.Info("Supervisor stopped", zap.Any("stats", supervisor.GetStats()))

	status := link.Status()
	registry.Detach(link.ID())
	link.Detach()
	if err := binder.ClearIPv4(); err != nil {
		logger.Warn("Failed to remove IPv4 address", zap.Error(err))
	}
	if err := binder.InstallIPv6IfID(ppp.InterfaceID{}); err != nil {
		logger.Warn("Failed to remove IPv6 address", zap.Error(err))
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to stop metrics server", zap.Error(err))
		}
	}

	logger.Info("spppd stopped",
		zap.Uint64("in_bytes", status.Stats.InBytes),
		zap.Uint64("out_bytes", status.Stats.OutBytes),
		zap.Uint64("in_errors", status.Stats.InErrors),
	)
	return nil
}

// waitTerminated gives the Terminate-Request exchange up to d to finish.
func waitTerminated(link *ppp.Link, d time.Duration) {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		switch link.Status().LCP {
		case ppp.StateInitial, ppp.StateStarting, ppp.StateClosed, ppp.StateStopped:
			return
		}
		<-ticker.C
	}
}

func openConn() (transport.Conn, error) {
	switch transportKind {
	case "udp":
		if udpPeer == "" {
			return nil, fmt.Errorf("--udp-peer is required")
		}
		conn, err := transport.ListenUDP(udpLocal, udpPeer)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "pppoe":
		mac, err := net.ParseMAC(pppoePeer)
		if err != nil {
			return nil, fmt.Errorf("invalid --pppoe-peer: %w", err)
		}
		conn, err := transport.DialPPPoE(transport.Session{
			Interface: pppoeIface,
			PeerMAC:   mac,
			ID:        pppoeSession,
		})
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transportKind)
	}
}

func openPlatform(logger *zap.Logger) (routing.Platform, error) {
	if hostIface == "" {
		logger.Info("No host interface configured, addresses are kept in memory")
		return routing.NewMemoryPlatform(), nil
	}
	platform, err := routing.NewNetlinkPlatform()
	if err != nil {
		return nil, err
	}
	return platform, nil
}

func newRADIUSClient(logger *zap.Logger) (*radius.Client, error) {
	secret := radiusSecret
	if radiusSecretFile != "" {
		data, err := os.ReadFile(radiusSecretFile)
		if err != nil {
			return nil, fmt.Errorf("read RADIUS secret file: %w", err)
		}
		secret = strings.TrimSpace(string(data))
	}
	if secret == "" {
		return nil, fmt.Errorf("RADIUS secret required")
	}

	servers, err := parseRADIUSServers(radiusServers, secret)
	if err != nil {
		return nil, err
	}

	return radius.NewClient(radius.ClientConfig{
		Servers: servers,
		NASID:   radiusNASID,
		NASPort: radiusNASPort,
		Timeout: radiusTimeout,
		Retries: radiusRetries,
	}, logger)
}

// parseRADIUSServers parses "host[:port],..." with port 1812 by default.
func parseRADIUSServers(list, secret string) ([]radius.ServerConfig, error) {
	var servers []radius.ServerConfig
	for _, entry := range splitAndTrim(list) {
		host, port := entry, 1812
		if h, p, err := net.SplitHostPort(entry); err == nil {
			n, err := strconv.Atoi(p)
			if err != nil || n <= 0 || n > 65535 {
				return nil, fmt.Errorf("invalid RADIUS server port in %q", entry)
			}
			host, port = h, n
		}
		servers = append(servers, radius.ServerConfig{Host: host, Port: port, Secret: secret})
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no RADIUS servers in %q", list)
	}
	return servers, nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}
