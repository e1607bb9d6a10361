// Headunit-peer plays the phone side of a projection session for testing.
//
// It listens on the head unit server port, answers the link start-up as the
// server and streams the access units of an Annex-B file to every head unit
// that connects. It also accepts (and immediately closes) connections on the
// launcher port so discovery reports it.
//
// Usage:
//
//	headunit-peer serve --file sample.h264 [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/peer"
	"github.com/muurk/headunit/internal/video"
	"github.com/muurk/headunit/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "headunit-peer",
	Short:   "Projection peer for head unit testing",
	Version: version.Version,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Serve command and flags
var (
	filePath     string
	codecName    string
	host         string
	port         int
	launcherPort int
	fps          int
	loop         bool
	fragmentSize int
	logLevel     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stream a video file to connecting head units",
	Long: `Stream the access units of an Annex-B H.264 or H.265 file to every head
unit that connects.

Codec configuration units (SPS/PPS, and VPS for H.265) are sent as
configuration payloads, everything else as timestamped data payloads,
fragmented like a phone would.`,
	Example: `  # Serve a recording on the default ports
  headunit-peer serve --file capture.h264

  # Loop an H.265 clip at 60 fps on a spare port, no launcher
  headunit-peer serve --file clip.h265 --codec h265 --fps 60 --loop --port 15277 --launcher-port 0`,
	RunE: runServe,
}

func init() {
	defaults := peer.DefaultConfig(nil)
	serveCmd.Flags().StringVarP(&filePath, "file", "f", "", "Annex-B video file to stream")
	serveCmd.Flags().StringVar(&codecName, "codec", "h264", "Codec of the file (h264, h265)")
	serveCmd.Flags().StringVar(&host, "host", "", "Listen address (empty = all interfaces)")
	serveCmd.Flags().IntVar(&port, "port", defaults.Port, "Head unit server port")
	serveCmd.Flags().IntVar(&launcherPort, "launcher-port", defaults.LauncherPort, "Wireless launcher port (0 disables)")
	serveCmd.Flags().IntVar(&fps, "fps", 30, "Access units per second (0 sends as fast as possible)")
	serveCmd.Flags().BoolVar(&loop, "loop", false, "Restart the file at the end instead of hanging up")
	serveCmd.Flags().IntVar(&fragmentSize, "fragment-size", 0, "Largest fragment payload in bytes (0 = protocol maximum)")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = serveCmd.MarkFlagRequired("file")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}
	defer logging.Sync()

	codec, err := video.ParseCodec(codecName)
	if err != nil {
		return err
	}
	stream, err := peer.LoadStream(filePath, codec)
	if err != nil {
		return err
	}

	cfg := peer.DefaultConfig(stream)
	cfg.Host = host
	cfg.Port = port
	cfg.LauncherPort = launcherPort
	cfg.Loop = loop
	cfg.FragmentSize = fragmentSize
	cfg.Interval = 0
	if fps > 0 {
		cfg.Interval = time.Second / time.Duration(fps)
	}

	srv, err := peer.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create peer: %w", err)
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	logging.Info("Streaming video",
		zap.String("file", filePath),
		zap.Stringer("codec", codec),
		zap.Int("units", len(stream.Units)),
		zap.String("addr", srv.Addr().String()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Serve(ctx)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("headunit-peer %s\n", version.Full())
	},
}
