package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ayusman/fingerspell/internal/app"
	"github.com/ayusman/fingerspell/internal/bus"
	"github.com/ayusman/fingerspell/internal/capture"
	"github.com/ayusman/fingerspell/internal/classifier"
	"github.com/ayusman/fingerspell/internal/config"
	"github.com/ayusman/fingerspell/internal/detector"
	"github.com/ayusman/fingerspell/internal/feature"
	"github.com/ayusman/fingerspell/internal/pipeline"
	"github.com/ayusman/fingerspell/internal/server"
	"github.com/ayusman/fingerspell/internal/sink"
	"github.com/ayusman/fingerspell/internal/store"
	"github.com/ayusman/fingerspell/internal/symbol"
	"github.com/ayusman/fingerspell/internal/telemetry"
	"github.com/ayusman/fingerspell/internal/tray"
	"github.com/spf13/cobra"
)

var (
	serveStart bool
	serveTray  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the camera, the recognition pipeline and the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStart, "start", true, "start recognition immediately")
	serveCmd.Flags().BoolVar(&serveTray, "tray", false, "show a system tray icon (overrides tray.enabled)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("tray") {
		cfg.Tray.Enabled = serveTray
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer st.Close()

	var (
		provider *telemetry.Provider
		metrics  *telemetry.Metrics
	)
	if cfg.Telemetry.Enabled {
		provider, err = telemetry.Setup(cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("initialize telemetry: %w", err)
		}
		defer shutdownTelemetry(provider)

		metrics, err = telemetry.NewMetrics(provider.Meter("fingerspell/pipeline"))
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
	}

	pc, err := pipelineConfig(cfg, metrics)
	if err != nil {
		return err
	}

	application, err := app.New(app.Config{
		Camera:          capture.NewCamera(cfg.Camera.DeviceID, cfg.Camera.Rotation, cfg.Facing()),
		Pipeline:        pc,
		Store:           st,
		FPS:             cfg.Camera.FPS,
		MotionGate:      cfg.Camera.MotionGate,
		MotionThreshold: cfg.Camera.MotionThreshold,
		IdleAfter:       cfg.IdleAfter(),
	})
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	defer application.Close()

	// Sinks
	hub := server.NewHub()
	application.AddSink(hub)

	writers := sink.MultiWriter{sink.NewStoreWriter(st)}
	if cfg.Log.CSVPath != "" {
		csvWriter, err := sink.NewCSVWriter(cfg.Log.CSVPath)
		if err != nil {
			return fmt.Errorf("open translation log: %w", err)
		}
		writers = append(writers, csvWriter)
		log.Printf("Logging translations to %s", csvWriter.Path())
	}
	translations := sink.NewAsyncLog(writers, cfg.Log.QueueSize, application.SessionID)
	defer translations.Close()
	application.AddSink(translations)

	if cfg.Bus.Enabled {
		client, shutdown, err := connectBus(cfg)
		if err != nil {
			return err
		}
		defer shutdown()
		application.AddSink(sink.NewPublisher(client, cfg.Bus.Subject, cfg.Bus.PublishAll))
	}

	var trayUI *tray.Tray
	if cfg.Tray.Enabled {
		trayUI = tray.New(false)
		application.AddSink(trayUI)
	}

	webDir := cfg.HTTP.WebDir
	if webDir == "" {
		webDir = findWebDir(cfg.DataDir)
	}
	if webDir != "" {
		log.Printf("Serving static files from: %s", webDir)
	}

	srvCfg := server.Config{
		StaticDir:  webDir,
		Store:      st,
		Controller: application,
		Hub:        hub,
	}
	if provider != nil {
		srvCfg.Metrics = provider.Handler()
	}
	srv := server.New(srvCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if serveStart {
		if err := application.Start(ctx); err != nil {
			// Keep serving so recognition can be started again over HTTP.
			log.Printf("Recognition not started: %v", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(cfg.HTTP.Addr) }()

	wait := func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serveErr:
			return err
		}
	}

	if trayUI != nil {
		trayUI.SetRunning(application.Running())
		trayUI.OnToggle(func(run bool) error {
			if run {
				return application.Start(ctx)
			}
			return application.Stop()
		})
		trayUI.OnSettings(func() {
			log.Printf("Settings are served at http://%s/", displayAddr(cfg.HTTP.Addr))
		})
		trayUI.OnQuit(cancel)

		result := make(chan error, 1)
		go func() {
			result <- wait()
			trayUI.Quit()
		}()
		trayUI.Run()
		cancel()
		err = <-result
	} else {
		err = wait()
	}

	log.Println("Shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Error shutting down HTTP server: %v", shutdownErr)
	}
	if closeErr := application.Close(); closeErr != nil {
		log.Printf("Error stopping recognition: %v", closeErr)
	}
	return err
}

// pipelineConfig builds the recognition pipeline from cfg. Models are loaded
// on each Start.
func pipelineConfig(cfg config.Config, metrics *telemetry.Metrics) (pipeline.Config, error) {
	decoder, err := symbol.NewDecoder(cfg.Alphabet())
	if err != nil {
		return pipeline.Config{}, err
	}

	detCfg := cfg.DetectorConfig()
	clsCfg := cfg.ClassifierConfig()

	return pipeline.Config{
		OpenDetector: func() (pipeline.Landmarker, error) {
			det, err := detector.Open(detector.ModeStreaming, detCfg)
			if err != nil {
				return nil, err
			}
			return det, nil
		},
		OpenClassifier: func() (pipeline.Classifier, error) {
			cls, err := classifier.Open(clsCfg)
			if err != nil {
				return nil, err
			}
			return cls, nil
		},
		Features:     feature.Builder{WristRelative: cfg.Classifier.WristRelative},
		Decoder:      decoder,
		FrameTimeout: cfg.FrameTimeout(),
		Metrics:      metrics,
	}, nil
}

// connectBus dials NATS, starting an in-process server first when configured.
// The returned function closes everything it opened.
func connectBus(cfg config.Config) (*bus.Client, func(), error) {
	urls := cfg.Bus.Servers
	var embedded *bus.EmbeddedServer
	if cfg.Bus.Embedded {
		var err error
		embedded, err = bus.StartEmbedded(cfg.Bus.Port)
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		urls = []string{embedded.ClientURL()}
		log.Printf("Embedded NATS listening on %s", embedded.ClientURL())
	}

	client, err := bus.Connect(urls, cfg.BusConnectTimeout())
	if err != nil {
		embedded.Shutdown()
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Printf("Publishing outcomes on %s", cfg.Bus.Subject)

	return client, func() {
		if err := client.Close(); err != nil {
			log.Printf("Error closing NATS connection: %v", err)
		}
		embedded.Shutdown()
	}, nil
}

func shutdownTelemetry(p *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("Error shutting down telemetry: %v", err)
	}
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <dataDir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	dataWebDir := filepath.Join(dataDir, "web")
	if info, err := os.Stat(dataWebDir); err == nil && info.IsDir() {
		return dataWebDir
	}

	return ""
}
