package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pborman/getopt/v2"

	"github.com/irctrakz/wgtunnel/pkg/capture"
	"github.com/irctrakz/wgtunnel/pkg/config"
	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/direct"
	"github.com/irctrakz/wgtunnel/pkg/logging"
	"github.com/irctrakz/wgtunnel/pkg/transport"
	"github.com/irctrakz/wgtunnel/pkg/tun"
	"github.com/irctrakz/wgtunnel/pkg/tunnel"
)

var log = logging.WithComponent("main")

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Application config file (.yaml, .yml or .json)")
	optTunnel := getopt.StringLong("wg", 'w', "", "wg-quick tunnel description, overrides tunnel.configFile")
	optDebug := getopt.BoolLong("debug", 'd', "Enable debug logging")
	helpFlag := getopt.BoolLong("help", 'h', "Display help")
	getopt.Parse()

	if *helpFlag {
		getopt.Usage()
		os.Exit(0)
	}

	cfg := config.DefaultConfig()
	if *optConfig != "" {
		if err := config.LoadFromFile(*optConfig, cfg); err != nil {
			logging.Fatalf("%v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if *optTunnel != "" {
		cfg.Tunnel.ConfigFile = *optTunnel
	}
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("%v", err)
	}
	if *optDebug || os.Getenv("DEBUG") == "1" {
		logging.SetLevel(logging.DebugLevel)
	}

	ctrl, closeCapture, err := buildController(cfg)
	if err != nil {
		logging.Fatalf("%v", err)
	}
	defer closeCapture()

	text, err := os.ReadFile(cfg.Tunnel.ConfigFile)
	if err != nil {
		logging.Fatalf("failed to read tunnel config: %v", err)
	}
	if err := ctrl.Connect(string(text)); err != nil {
		logging.Fatalf("failed to connect: %v", err)
	}
	log.WithField("interface", cfg.Tunnel.InterfaceName).Info("tunnel up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval, _ := cfg.StatusInterval()
	if interval > 0 {
		go runStatusReporter(ctx, ctrl, interval, cfg.Status.Format)
	}

	if cfg.Status.Listen != "" {
		srv := &http.Server{Addr: cfg.Status.Listen, Handler: newStatusMux(ctrl)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("status server stopped")
			}
		}()
		defer srv.Close()
	}

	// Wait for termination
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	log.WithField("signal", sig.String()).Info("shutting down")

	if err := ctrl.Disconnect(); err != nil {
		log.WithError(err).Warn("disconnect")
	}
}

// buildController wires the controller from the application config. The
// returned func closes the capture file, if any.
func buildController(cfg *config.Config) (*tunnel.Controller, func(), error) {
	driver, err := tun.DriverByName(cfg.Tunnel.Driver)
	if err != nil {
		return nil, nil, err
	}
	local, err := cfg.LocalPrefix()
	if err != nil {
		return nil, nil, err
	}
	ifOpts := tun.Options{
		Name:         cfg.Tunnel.InterfaceName,
		LocalAddress: local,
		Driver:       driver,
	}
	if cfg.Tunnel.Driver == "mock" {
		ifOpts.Configurator = tun.NewNopConfigurator()
	}

	listenPort := cfg.Tunnel.ListenPort
	opts := tunnel.Options{
		Interfaces: tun.NewManager(ifOpts),
		Transport: func(ctx context.Context, tc *core.TunnelConfig) (core.SecureTransport, error) {
			wg, err := transport.NewWireGuard(ctx, tc, transport.Options{ListenPort: listenPort})
			if err != nil {
				return nil, err
			}
			return wg, nil
		},
	}
	if cfg.Direct.Enabled {
		opts.Direct = func() (core.DirectSender, error) {
			s, err := direct.NewRawSender()
			if err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	closeCapture := func() {}
	if cfg.Capture.PcapFile != "" {
		w, err := capture.Create(cfg.Capture.PcapFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open capture file: %w", err)
		}
		opts.Capture = w
		closeCapture = func() {
			if err := w.Close(); err != nil {
				log.WithError(err).Warn("close capture")
			}
		}
	}

	return tunnel.NewController(opts), closeCapture, nil
}
