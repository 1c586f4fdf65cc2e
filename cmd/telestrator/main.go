package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"telestrator/internal/feed"
	"telestrator/internal/frame"
	"telestrator/internal/server"
	"telestrator/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "telestrator",
	Short:         "Low-latency NDI to WebRTC H.264 broadcaster",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", "0.0.0.0:8888", "HTTP signalling listen address")
	flags.String("encoder", "openh264", "encoder backend: openh264 or nvenc")
	flags.String("source", "", "NDI source name substring; empty prompts interactively")
	flags.Uint32("bitrate-min", 1000, "minimum target bitrate in kbps (0 disables the floor)")
	flags.Uint32("bitrate-start", 6000, "initial target bitrate in kbps")
	flags.Uint32("bitrate-max", 20000, "maximum target bitrate in kbps (0 disables the cap)")
	flags.Float64("max-fps", 60, "frame rate ceiling for the encoded feed")
	flags.Int("width", 0, "forced feed width (0 follows the source)")
	flags.Int("height", 0, "forced feed height (0 follows the source)")
	flags.Uint32("keyframe-interval", 0, "software encoder intra period in frames (0 = on demand only)")
	flags.Int("cuda-device", 0, "CUDA device ordinal for the nvenc backend")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")

	viper.SetEnvPrefix("TELESTRATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlags(flags))

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Print the full cause chain, the way fatal feed errors surface.
		fmt.Fprintf(os.Stderr, "telestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).Level(level)

	cfg, err := buildFeedConfig()
	if err != nil {
		return err
	}

	control := make(chan feed.ControlMessage, 64)
	results := feed.NewBroadcaster()

	srv := server.New(server.Config{Addr: viper.GetString("addr")}, control, results)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	go srv.RunWorkerSpawner()

	httpSrv := &http.Server{
		Addr:              viper.GetString("addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	// Capture and encode are synchronous, long-blocking native calls; they
	// get a dedicated OS thread, which the CUDA context also binds to.
	go func() {
		runtime.LockOSThread()
		errCh <- runFeed(cfg, control, results)
	}()

	go func() {
		log.Info().Str("addr", httpSrv.Addr).Str("version", version.String()).Msg("signalling listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Info().Stringer("signal", s).Msg("shutting down")
	case err := <-errCh:
		srv.Shutdown()
		return err
	}

	srv.Shutdown()
	results.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	return nil
}

func buildFeedConfig() (feed.Config, error) {
	backend, err := feed.ParseBackend(viper.GetString("encoder"))
	if err != nil {
		return feed.Config{}, err
	}

	var sourceCfg feed.SourceConfig
	if name := viper.GetString("source"); name != "" {
		sourceCfg, err = feed.FindSource(name)
	} else {
		sourceCfg, err = feed.BuildInteractiveSource(os.Stdin, os.Stdout)
	}
	if err != nil {
		return feed.Config{}, fmt.Errorf("configure source: %w", err)
	}
	log.Info().Str("source", sourceCfg.Name).Msg("selected NDI source")

	cfg := feed.Config{
		Source: sourceCfg,
		Encoder: feed.EncoderConfig{
			Backend:          backend,
			KeyframeInterval: viper.GetUint32("keyframe-interval"),
			CUDADevice:       viper.GetInt("cuda-device"),
		},
		MinBitrateKbps:   viper.GetUint32("bitrate-min"),
		StartBitrateKbps: viper.GetUint32("bitrate-start"),
		MaxBitrateKbps:   viper.GetUint32("bitrate-max"),
		MaxFPS:           viper.GetFloat64("max-fps"),
	}
	if w, h := viper.GetInt("width"), viper.GetInt("height"); w > 0 && h > 0 {
		cfg.ForcedResolution = &frame.Resolution{Width: w, Height: h}
	}
	return cfg, nil
}

// runFeed builds the source and encoder on the feed thread and drives the
// manager until a fatal error.
func runFeed(cfg feed.Config, control chan feed.ControlMessage, results *feed.Broadcaster) error {
	source, err := cfg.Source.Build()
	if err != nil {
		return fmt.Errorf("build source: %w", err)
	}

	encoder, err := feed.Build(cfg.Encoder, feed.RateParameters{
		TargetBitrateKbps: cfg.StartBitrateKbps,
		MaxFPS:            cfg.MaxFPS,
	})
	if err != nil {
		_ = source.Close()
		return fmt.Errorf("build encoder: %w", err)
	}

	log.Info().
		Stringer("backend", cfg.Encoder.Backend).
		Str("conversion", frame.ConversionImpl()).
		Msg("feed starting")

	return feed.NewManager(cfg, source, encoder, control, results).RunForever()
}
