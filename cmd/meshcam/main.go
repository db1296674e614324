/*
Copyright 2022 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrix-org/meshcam/pkg/capture"
	"github.com/matrix-org/meshcam/pkg/config"
	"github.com/matrix-org/meshcam/pkg/mesh"
	"github.com/matrix-org/meshcam/pkg/profiling"
	"github.com/matrix-org/meshcam/pkg/signaling"
	"github.com/matrix-org/meshcam/pkg/telemetry"
	"github.com/matrix-org/meshcam/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

func main() {
	// Parse command line flags.
	var (
		configFilePath = flag.String("config", "config.yaml", "configuration file path")
		cpuProfile     = flag.String("cpuProfile", "", "write CPU profile to `file`")
		memProfile     = flag.String("memProfile", "", "write memory profile to `file`")
	)
	flag.Parse()

	// Initialize logging subsystem (formatting, global logging framework etc).
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})

	// Load the config file from the environment variable or path.
	config, err := config.LoadConfig(*configFilePath)
	if err != nil {
		logrus.WithError(err).Fatal("could not load config")
		return
	}

	level, err := logrus.ParseLevel(config.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	// Define functions that are called before exiting.
	// This is useful to stop the profiler if it's enabled.
	deferredFunctions := []func(){}
	defer func() {
		for _, function := range deferredFunctions {
			function()
		}
	}()

	if *cpuProfile != "" {
		stop, err := profiling.InitCPUProfiling(*cpuProfile)
		if err != nil {
			logrus.WithError(err).Fatal("could not start CPU profiling")
		}
		deferredFunctions = append(deferredFunctions, stop)
	}
	if *memProfile != "" {
		deferredFunctions = append(deferredFunctions, profiling.InitMemoryProfiling(*memProfile))
	}

	if config.Telemetry.Enabled() {
		tracerProvider, err := telemetry.SetupTelemetry(config.Telemetry)
		if err != nil {
			logrus.WithError(err).Fatal("could not set up telemetry")
		}

		deferredFunctions = append(deferredFunctions, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := tracerProvider.Shutdown(ctx); err != nil {
				logrus.WithError(err).Error("could not flush telemetry")
			}
		})
	}

	logger := logrus.WithField("component", "meshcam")

	factory, err := webrtc_ext.NewPeerConnectionFactory(config.WebRTC)
	if err != nil {
		logrus.WithError(err).Fatal("could not create peer connection factory")
	}

	source, err := config.Capture.NewSource(logger.WithField("capture", config.Capture.Kind))
	if err != nil {
		logrus.WithError(err).Fatal("could not create capture source")
	}

	coordinator, err := mesh.NewCoordinator(
		config.Mesh,
		signaling.NewWebsocketGateway(config.Signaling, logger.WithField("signaling", config.Signaling.URL)),
		capture.NewManager(source, logger),
		factory,
		logger,
	)
	if err != nil {
		logrus.WithError(err).Fatal("could not create coordinator")
	}

	// Teardown is unconditional: whatever happens below, nothing keeps capturing.
	defer coordinator.Close()

	// Handle signal interruptions.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coordinator.StartSharing(ctx); err != nil {
		logrus.WithError(err).Error("could not start sharing")
		return
	}

	logrus.WithField("self_id", coordinator.SelfID()).Info("sharing the camera")
	watchRemoteStreams(ctx, coordinator)
}

// Logs remote streams as they come and go and drains their media until the context is done.
func watchRemoteStreams(ctx context.Context, coordinator *mesh.Coordinator) {
	known := make(mesh.RemoteStreamTable)

	for {
		select {
		case <-ctx.Done():
			return
		case <-coordinator.Done():
			return
		case <-coordinator.Updates():
		}

		current := coordinator.RemoteStreams()
		for id, stream := range current {
			if _, found := known[id]; !found {
				logrus.WithFields(logrus.Fields{"remote_id": id, "codec": stream.Track.Codec().MimeType}).Info("remote stream added")
				go drain(stream)
			}
		}

		for _, id := range maps.Keys(known) {
			if _, found := current[id]; !found {
				logrus.WithField("remote_id", id).Info("remote stream removed")
			}
		}

		known = current

		if coordinator.State() == mesh.SharingIdle {
			logrus.WithError(coordinator.LastError()).Warn("sharing stopped")
			return
		}
	}
}

// Reads the remote media so that the receive buffers do not fill up. A real consumer
// would decode and render it instead.
func drain(stream mesh.RemoteStream) {
	packets := 0
	for {
		if _, _, err := stream.Track.ReadRTP(); err != nil {
			logrus.WithFields(logrus.Fields{"remote_id": stream.Participant, "packets": packets}).Debug("remote stream ended")
			return
		}
		packets++
	}
}
