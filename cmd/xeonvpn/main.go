// Command xeonvpn is the CLI entry point.
//
// The server accepts QUIC connections and, per configured mode, relays framed
// IP packets through a shared TUN interface or answers echo and DNS-over-HTTPS
// lookup streams. The same binary also runs a test client and a monitor that
// follows the server's live statistics.
//
// It can be launched interactively (no -role) or non-interactively via CLI
// flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/xeonvpn/internal/client"
	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/monitor"
	"github.com/1ureka/xeonvpn/internal/resolver"
	"github.com/1ureka/xeonvpn/internal/session"
	"github.com/1ureka/xeonvpn/internal/transport"
	"github.com/1ureka/xeonvpn/internal/tun"
	"github.com/1ureka/xeonvpn/internal/util"
)

var version = "dev"

const defaultEcho = "hello from client"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: server, client or monitor")
	configPath := flag.String("config", "", "YAML configuration file (server only)")
	listen := flag.String("listen", "", "QUIC listen address (server only)")
	mode := flag.String("mode", "", "Stream mode: relay or sniff (server only)")
	tunName := flag.String("tun", "", "TUN interface name (server relay mode, client -relay and -tun-check)")
	tunAddr := flag.String("tun-addr", "10.123.0.2/24", "Local TUN address in CIDR form (client only)")
	monitorListen := flag.String("monitor", "", "Monitor WebSocket listen address, e.g. 127.0.0.1:9090 (server only)")
	addr := flag.String("addr", "127.0.0.1:4433", "Server address (client only)")
	serverName := flag.String("server-name", "localhost", "TLS server name (client only)")
	certPath := flag.String("cert", "server_cert.der", "DER certificate to trust, empty to skip verification (client only)")
	echo := flag.String("echo", "", "Payload to echo (client only)")
	doh := flag.String("doh", "", "Domain to resolve through the server (client only)")
	relayMode := flag.Bool("relay", false, "Bridge a local TUN interface to the server's relay mode (client only, Linux)")
	tunCheck := flag.Bool("tun-check", false, "Open the TUN interface, read one packet and report its size (client only, Linux)")
	monitorURL := flag.String("monitor-url", "", "Monitor URL with PIN, e.g. ws://host:9090/ws?pin=123456 (monitor only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("XeonVPN — v%s", version))
	pterm.Println()

	switch config.Role(*role) {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx)

	case config.RoleServer:
		cfg, err := loadServerConfig(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

		// Flags override the file.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "listen":
				cfg.Listen = *listen
			case "mode":
				cfg.Mode = config.Mode(*mode)
			case "tun":
				cfg.TUN.Name = *tunName
			case "monitor":
				cfg.Monitor.Listen = *monitorListen
			case "debug":
				cfg.Debug = *debugMode
			}
		})
		if err := cfg.Validate(); err != nil {
			util.LogError("invalid configuration: %v", err)
			os.Exit(1)
		}
		if cfg.Debug {
			util.EnableDebug()
		}

		runServer(ctx, cfg)

	case config.RoleClient:
		tunCfg := config.Default().TUN
		if *tunName != "" {
			tunCfg.Name = *tunName
		}
		tunCfg.Address = *tunAddr

		if *tunCheck {
			runTunCheck(ctx, tunCfg)
			return
		}

		var certDER []byte
		if *certPath != "" {
			data, err := os.ReadFile(*certPath)
			if err != nil {
				util.LogError("failed to read certificate: %v", err)
				os.Exit(1)
			}
			certDER = data
		}

		if *relayMode {
			runClientRelay(ctx, *addr, *serverName, certDER, tunCfg)
			return
		}

		payload := *echo
		if payload == "" && *doh == "" {
			payload = defaultEcho
		}
		runClient(ctx, *addr, *serverName, certDER, payload, *doh)

	case config.RoleMonitor:
		if *monitorURL == "" {
			util.LogError("missing -monitor-url for monitor role")
			os.Exit(1)
		}

		wsURL, err := normalizeMonitorURL(*monitorURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}

		runMonitor(ctx, wsURL)

	default:
		util.LogError("invalid -role: must be 'server', 'client' or 'monitor'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and its essentials when no -role flag is
// provided.
func runInteractive(ctx context.Context) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Server  — Accept tunnel connections",
			"Client  — Send an echo and a lookup",
			"Monitor — Follow a server's statistics",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Server"):
		mode, _ := pterm.DefaultInteractiveSelect.
			WithOptions([]string{string(config.ModeSniff), string(config.ModeRelay)}).
			WithDefaultText("Stream mode").
			Show()
		pterm.Println()

		cfg := config.Default()
		cfg.Mode = config.Mode(mode)
		runServer(ctx, cfg)

	case strings.HasPrefix(role, "Client"):
		addr := askAddr()
		certDER, err := os.ReadFile("server_cert.der")
		if err != nil {
			util.LogWarning("server_cert.der not found, skipping verification")
			certDER = nil
		}
		runClient(ctx, addr, "localhost", certDER, defaultEcho, "example.com")

	default:
		runMonitor(ctx, askMonitorURL())
	}
}

// runServer starts the listener and serves sessions until shutdown.
func runServer(ctx context.Context, cfg config.Config) {
	tlsConf, _, err := transport.ServerTLS(cfg.TLS)
	if err != nil {
		util.LogError("failed to prepare TLS: %v", err)
		os.Exit(1)
	}

	ln, err := transport.Listen(cfg.Listen, tlsConf, cfg.QUIC)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	opts := session.Options{Mode: cfg.Mode, SerialStreams: cfg.Session.SerialStreams}

	switch cfg.Mode {
	case config.ModeRelay:
		dev, err := tun.Open(cfg.TUN)
		if err != nil {
			ln.Close()
			util.LogError("failed to open TUN interface: %v", err)
			os.Exit(1)
		}
		shared := tun.NewShared(dev, cfg.TUN.BufferSize)
		defer shared.Release()
		opts.Device = shared

	default:
		r := resolver.New(cfg.DoH)
		defer r.Close()
		opts.Commands = r
	}

	mgr, err := session.NewManager(opts)
	if err != nil {
		ln.Close()
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Monitor.Listen != "" {
		mon := monitor.NewServer(cfg.Monitor.PIN, cfg.Monitor.Interval, mgr)
		monAddr, err := mon.Start(cfg.Monitor.Listen)
		if err != nil {
			util.LogWarning("%v", err)
		} else {
			defer mon.Close()
			printMonitorBox(monAddr, mon.PIN())
		}
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("server ready on %s (mode: %s)", ln.Addr(), cfg.Mode)

	if err := mgr.Serve(ctx, ln); err != nil {
		util.LogError("server stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("server shut down")
}

// runClient connects, sends the echo payload and/or the lookup and prints
// the replies.
func runClient(ctx context.Context, addr, serverName string, certDER []byte, payload, domain string) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(dialCtx, addr, serverName, certDER)
	if err != nil {
		util.LogError("failed to connect: %v", err)
		os.Exit(1)
	}
	defer c.Close()
	util.LogSuccess("connected to %s", addr)

	if payload != "" {
		reply, err := c.Echo(ctx, []byte(payload))
		if err != nil {
			util.LogError("echo failed: %v", err)
		} else {
			util.LogInfo("echo reply: %s", reply)
		}
	}

	if domain != "" {
		reply, err := c.Lookup(ctx, domain)
		if err != nil {
			util.LogError("lookup failed: %v", err)
		} else {
			util.LogInfo("lookup reply: %s", reply)
		}
	}
}

// runClientRelay bridges a local TUN interface to one relay stream until
// shutdown or until the server finishes the stream.
func runClientRelay(ctx context.Context, addr, serverName string, certDER []byte, tunCfg config.TUN) {
	dev, err := tun.Open(tunCfg)
	if err != nil {
		util.LogError("failed to open TUN interface: %v", err)
		os.Exit(1)
	}
	shared := tun.NewShared(dev, tunCfg.BufferSize)
	defer shared.Release()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(dialCtx, addr, serverName, certDER)
	if err != nil {
		util.LogError("failed to connect: %v", err)
		return
	}
	defer c.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("relaying %s (%s) through %s", shared.Name(), tunCfg.Address, addr)

	if err := c.Relay(ctx, shared); err != nil {
		util.LogError("relay stopped: %v", err)
		return
	}
	util.LogInfo("relay closed")
}

// runTunCheck opens the TUN interface and waits for a single packet to
// confirm the interface is up and routed.
func runTunCheck(ctx context.Context, tunCfg config.TUN) {
	dev, err := tun.Open(tunCfg)
	if err != nil {
		util.LogError("failed to open TUN interface: %v", err)
		os.Exit(1)
	}
	shared := tun.NewShared(dev, tunCfg.BufferSize)
	defer shared.Release()

	util.LogInfo("waiting for a packet on %s (%s)", shared.Name(), tunCfg.Address)
	pkt, err := shared.ReadPacket(ctx)
	if err != nil {
		util.LogError("no packet read: %v", err)
		return
	}
	util.LogSuccess("read %d bytes from %s", len(pkt), shared.Name())
}

// runMonitor prints every report pushed by the server until shutdown.
func runMonitor(ctx context.Context, wsURL string) {
	util.LogInfo("connecting to %s", wsURL)

	var prev util.Snapshot
	err := monitor.Watch(ctx, wsURL, func(r monitor.Report) {
		cur := r.Stats
		util.LogInfo("Sessions: %d active, %d total | Streams: %d relay, %d command, %d echo | Up: %s | Down: %s",
			cur.ActiveSessions, cur.TotalSessions,
			cur.RelayStreams, cur.CommandStreams, cur.EchoStreams,
			util.FormatBytes(float64(cur.BytesUp)), util.FormatBytes(float64(cur.BytesDown)))

		if util.DebugEnabled() && len(r.Sessions) > 0 && cur.TotalSessions != prev.TotalSessions {
			printSessions(r.Sessions)
		}
		prev = cur
	})
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("monitor closed")
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func loadServerConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func printMonitorBox(addr net.Addr, pin string) {
	pterm.DefaultBox.WithTitle("Monitor").Println(
		fmt.Sprintf("Address : %s\nPIN     : %s\nURL     : ws://%s/ws?pin=%s", addr, pin, addr, pin))
	pterm.Println()
}

func printSessions(infos []session.Info) {
	data := pterm.TableData{{"ID", "Remote", "Since", "Active streams", "Total streams"}}
	for _, s := range infos {
		data = append(data, []string{s.ID, s.Remote, s.Since.Format(time.TimeOnly), fmt.Sprint(s.StreamsActive), fmt.Sprint(s.StreamsAccepted)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// normalizeMonitorURL validates a monitor URL and makes sure it points at /ws
// and carries a PIN.
func normalizeMonitorURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid monitor URL: %s", raw)
	}
	if u.Query().Get("pin") == "" {
		return "", fmt.Errorf("monitor URL is missing ?pin=: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws?%s", scheme, u.Host, u.RawQuery), nil
}

// askAddr prompts for a server address until a host:port is entered.
func askAddr() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address (e.g. 127.0.0.1:4433)").
			Show()

		raw = strings.TrimSpace(raw)
		if _, _, err := net.SplitHostPort(raw); err == nil {
			pterm.Println()
			return raw
		}

		util.LogWarning("invalid address: expected host:port")
		pterm.Println()
	}
}

// askMonitorURL prompts for a monitor URL until a valid one is entered.
func askMonitorURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Monitor URL (e.g. ws://127.0.0.1:9090/ws?pin=123456)").
			Show()

		wsURL, err := normalizeMonitorURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
