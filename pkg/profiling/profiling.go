package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

// Starts CPU profiling into the given file and returns a function to stop profiling.
func InitCPUProfiling(cpuProfile string) (func(), error) {
	logrus.WithField("path", cpuProfile).Info("initializing CPU profiling")

	file, err := os.Create(cpuProfile)
	if err != nil {
		return nil, fmt.Errorf("could not create CPU profile: %w", err)
	}

	if err := pprof.StartCPUProfile(file); err != nil {
		file.Close()
		return nil, fmt.Errorf("could not start CPU profile: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()

		if err := file.Close(); err != nil {
			logrus.WithError(err).Error("could not close CPU profile")
		}
	}, nil
}

// Returns a function that writes a memory profile into the given file.
func InitMemoryProfiling(memProfile string) func() {
	logrus.WithField("path", memProfile).Info("initializing memory profiling")

	return func() {
		file, err := os.Create(memProfile)
		if err != nil {
			logrus.WithError(err).Error("could not create memory profile")
			return
		}
		defer file.Close()

		runtime.GC()

		if err := pprof.WriteHeapProfile(file); err != nil {
			logrus.WithError(err).Error("could not write memory profile")
		}
	}
}
