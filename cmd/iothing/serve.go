package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/feed"
	"github.com/sensaura/iothing/internal/logging"
)

var listenAddr string

// serveCmd runs discovery headless and serves the device feed
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the live device list over HTTP and WebSocket",
	Long: `Run discovery in the background and expose the device list.

Routes:
  GET /devices        devices in discovery order
  GET /devices/{id}   one device
  GET /network        connectivity state
  GET /status         connectivity, discovery state and counters
  GET /ws             WebSocket: a snapshot, then one message per change

The server stops on SIGINT or SIGTERM.`,
	Example: `  # Listen on the configured address (default 127.0.0.1:8080)
  iothing serve

  # Listen on all interfaces
  iothing serve --listen :8080 --log-level info`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (overrides feed.listen in the config file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel, a, err := setup(true)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	addr := listenAddr
	if addr == "" {
		addr = a.Config.Feed.Listen
	}

	log := logging.Named("serve")
	srv := feed.NewServer(a.Devices, a.Network, a.Discovery, log)

	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	log.Info("Starting iothing feed",
		zap.String("addr", addr),
		zap.String("service_type", a.Discovery.ServiceType()),
	)
	fmt.Printf("Serving device feed on %s (Ctrl+C to stop)\n", addr)

	serveErr := srv.ListenAndServe(ctx, addr)

	// A listen failure returns before ctx is done; stop discovery as well
	cancel()
	if err := <-runDone; err != nil {
		return err
	}
	return serveErr
}
