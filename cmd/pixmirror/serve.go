package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kimhsiao/pixmirror/internal/logging"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background sync service",
	Long: `Run the auto-sync timer and a local WebSocket endpoint that streams
sync lifecycle events to UI clients.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		hub := NewWSHub()
		subID := hub.BridgeEvents(app.bus)
		defer app.bus.Unsubscribe(subID)

		interval := viper.GetDuration("sync.interval")
		app.engine.StartAutoSync(interval)
		defer app.engine.StopAutoSync()

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", HandleWebSocket(hub))

		server := &http.Server{
			Addr:    serveAddr,
			Handler: mux,
		}

		go func() {
			logging.Info("serving", map[string]interface{}{
				"addr":          serveAddr,
				"sync_interval": interval.String(),
			})
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("server failed", err)
				os.Exit(1)
			}
		}()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		logging.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logging.Error("shutdown failed", err)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8090", "listen address for the WebSocket endpoint")
	rootCmd.AddCommand(serveCmd)
}
