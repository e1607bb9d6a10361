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
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/muurk/headunit/internal/config"
	"github.com/muurk/headunit/internal/discovery"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/projection"
	"github.com/muurk/headunit/internal/sink"
	"github.com/muurk/headunit/internal/transport"
	"github.com/muurk/headunit/internal/tui"
	"github.com/muurk/headunit/internal/video"
)

// Command flags
var (
	outputPath string
	viewerAddr string
	noWatch    bool
	forceInit  bool
)

func init() {
	connectCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the decoded Annex-B stream to this file")
	connectCmd.Flags().StringVar(&viewerAddr, "viewer", "", "Serve the stream to browser viewers on this address (overrides viewer.listen)")
	connectCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the video settings when the config file changes")

	configInitCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing configuration file")
	configCmd.AddCommand(configPathCmd, configInitCmd, configShowCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// discoverCmd scans the network for phones
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find phones on the local network",
	Long: `Find phones running a projection server.

The gateway of every local network (and any discovery.static address) is
probed first; the whole /24 is swept only if nothing answers there. mDNS
browsing runs alongside both phases.

On a terminal the results appear in an interactive list. Otherwise one line
per phone is printed: address, kind, source and hostname, tab separated.`,
	Example: `  # Interactive discovery
  headunit discover

  # Scriptable output
  headunit discover | cut -f1`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	scanner := cfg.NewScanner()

	if !tui.IsTerminal() {
		err := scanner.Scan(ctx, tui.PlainReporter(os.Stdout))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	svc, ok, err := tui.RunDiscovery(ctx, scanner.Scan, scanEstimate(cfg))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if svc.Conn != nil {
		svc.Conn.Close()
	}
	fmt.Printf("Selected %s\n", svc.String())
	fmt.Printf("Use 'headunit connect %s' to start projection\n", svc.IP)
	return nil
}

// scanEstimate is a rough duration for the progress bar.
func scanEstimate(cfg *config.Config) time.Duration {
	d := 2 * cfg.Discovery.ProbeTimeout * time.Duration(254/max(cfg.Discovery.Concurrency, 1)+1)
	if cfg.Discovery.MDNS {
		d = max(d, cfg.Discovery.MDNSTimeout)
	}
	return d
}

// connectCmd runs a projection session
var connectCmd = &cobra.Command{
	Use:   "connect [address]",
	Short: "Connect to a phone and receive projected video",
	Long: `Connect to a phone and run a projection session until it ends or you
press Ctrl+C.

Without an address the phone is found by discovery: interactively on a
terminal, otherwise the first server found is used. An address without a
port uses the head unit server port (5277).

Decoded access units go to --output, to browser viewers (--viewer or
viewer.listen in the configuration file), or both.`,
	Example: `  # Pick a phone interactively and record the stream
  headunit connect -o capture.h264

  # Connect directly and serve browser viewers
  headunit connect 192.168.43.1 --viewer 127.0.0.1:8089`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	conn, err := resolveTarget(ctx, cfg, args)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}

	pool := cfg.NewPool()
	counter := &sink.Counter{}
	sinks := []video.Sink{counter}

	if outputPath != "" {
		fs, err := sink.NewFileSink(outputPath)
		if err != nil {
			return err
		}
		defer fs.Close()
		sinks = append(sinks, fs)
	}

	if viewerAddr == "" {
		viewerAddr = cfg.Viewer.Listen
	}
	if viewerAddr != "" {
		ws := sink.NewWebSocketSink(pool)
		defer ws.Close()
		srv, err := serveViewer(viewerAddr, cfg.Viewer.Path, ws)
		if err != nil {
			return err
		}
		defer srv.Shutdown(context.Background())
		fmt.Printf("Viewer endpoint: ws://%s%s\n", viewerAddr, cfg.Viewer.Path)
		sinks = append(sinks, ws)
	}

	client := projection.NewClient(conn, sink.Multi(sinks...),
		projection.WithTimeouts(cfg.Transport.ReadTimeout, cfg.Transport.WriteTimeout),
		projection.WithHandshakeTimeout(cfg.Transport.HandshakeTimeout),
		projection.WithPool(pool),
		projection.WithDecodeOptions(cfg.DecodeOptions()),
	)
	defer client.Close()

	if !noWatch {
		err := config.Watch(ctx, path, func(c *config.Config) {
			logging.Info("Video settings reloaded",
				zap.String("codec", c.Video.Codec),
				zap.Bool("force_software", c.Video.ForceSoftwareDecoding),
			)
			client.SetDecodeOptions(c.DecodeOptions())
		})
		if err != nil {
			logging.Warn("Config reload disabled", zap.String("path", path), zap.Error(err))
		}
	}

	fmt.Printf("Connecting to %s...\n", conn.Addr())
	start := time.Now()
	err = client.Start(ctx)
	if err == nil {
		fmt.Println("Link established, receiving video (Ctrl+C to stop)")
		err = client.Run(ctx)
	}

	switch {
	case errors.Is(err, context.Canceled):
		err = nil
	case transport.IsClosed(err):
		logging.Info("Phone closed the connection", zap.String("addr", conn.Addr()))
		err = nil
	}
	printSummary(conn.Addr(), client.Stats(), counter, time.Since(start), err)
	return err
}

// resolveTarget returns the connection to use, or nil if the user
// dismissed discovery without choosing.
func resolveTarget(ctx context.Context, cfg *config.Config, args []string) (*transport.SocketConnection, error) {
	if len(args) == 1 {
		addr := args[0]
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(discovery.ServerPort))
		}
		conn := transport.NewSocketConnection(addr)
		conn.SetDialTimeout(cfg.Transport.DialTimeout)
		return conn, nil
	}

	var (
		svc discovery.Service
		ok  bool
		err error
	)
	if tui.IsTerminal() {
		svc, ok, err = tui.RunDiscovery(ctx, cfg.NewScanner().Scan, scanEstimate(cfg))
	} else {
		svc, ok, err = firstServer(ctx, cfg.NewScanner())
	}
	if err != nil || !ok {
		return nil, err
	}

	// A launcher's probe socket is never kept; the session goes to the server port.
	if svc.Conn != nil && !svc.IsLauncher() {
		return transport.AdoptConn(svc.Conn), nil
	}
	conn := transport.NewSocketConnection(net.JoinHostPort(svc.IP, strconv.Itoa(discovery.ServerPort)))
	conn.SetDialTimeout(cfg.Transport.DialTimeout)
	return conn, nil
}

// firstServer scans until a head unit server answers and keeps its
// connection; everything else found is closed.
func firstServer(ctx context.Context, scanner *discovery.Scanner) (discovery.Service, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan discovery.Service, 1)
	var fallback *discovery.Service
	err := scanner.Scan(ctx, func(svc discovery.Service) {
		if svc.IsLauncher() || ctx.Err() != nil {
			if svc.Conn != nil {
				svc.Conn.Close()
			}
			if fallback == nil {
				fallback = &svc
			}
			return
		}
		select {
		case found <- svc:
			cancel()
		default:
			if svc.Conn != nil {
				svc.Conn.Close()
			}
		}
	})

	select {
	case svc := <-found:
		return svc, true, nil
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return discovery.Service{}, false, err
	}
	if fallback != nil {
		return *fallback, true, nil
	}
	return discovery.Service{}, false, errors.New("no phones found; pass an address to connect directly")
}

func serveViewer(addr, path string, ws *sink.WebSocketSink) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("viewer listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(path, ws)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Viewer server failed", zap.Error(err))
		}
	}()
	return srv, nil
}

func printSummary(addr string, s projection.Stats, counter *sink.Counter, elapsed time.Duration, err error) {
	if !tui.IsTerminal() {
		fmt.Printf("session %s: %s, %d messages, %d units (%d bytes), %d dropped, %d malformed, %d undecryptable, %d unhandled\n",
			addr, elapsed.Round(time.Second), s.Messages, counter.Units(), counter.Bytes(),
			s.Video.Dropped, s.Framing, s.Integrity, s.Unhandled)
		return
	}

	summary := tui.NewSummary(addr).
		Add("Duration", "%s", elapsed.Round(time.Second)).
		Add("Messages", "%d", s.Messages).
		Add("Access units", "%d (%d bytes)", counter.Units(), counter.Bytes()).
		Add("Video dropped", "%d", s.Video.Dropped)
	if s.Framing > 0 || s.Integrity > 0 || s.Unhandled > 0 {
		summary.Add("Skipped", "%d malformed, %d undecryptable, %d unhandled", s.Framing, s.Integrity, s.Unhandled)
	}
	if err != nil {
		summary.Fail(err,
			"Check that the phone's head unit server is running",
			"Join the phone's hotspot or the same Wi-Fi network",
			"Run with --log-level debug to see every frame",
		)
	}
	fmt.Println()
	fmt.Println(summary)
}

// configCmd groups configuration file commands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, path, err := loadConfig()
		if err != nil && path == "" {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with default values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			p, err := config.GetConfigPath()
			if err != nil {
				return err
			}
			path = p
		}
		if _, err := os.Stat(path); err == nil && !forceInit {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}
