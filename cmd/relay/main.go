package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		listenAddress = flag.String("listen", ":8080", "address to listen on")
		logLevel      = flag.String("log", "info", "log level")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(level)
	}

	logger := logrus.WithField("component", "relay")
	relay := signaling.NewRelay(logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", signaling.NewRelayServer(relay, logger))

	server := &http.Server{
		Addr:              *listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to shut down")
		}
	}()

	logger.WithField("address", *listenAddress).Info("relay listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("relay failed")
	}
}
