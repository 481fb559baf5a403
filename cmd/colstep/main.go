/*
 * Copyright 2025 The City of Light Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// colstep is the consumer-side driver: it attaches to a running simulator
// (optionally launching one), pushes a scripted action sequence through the
// step protocol and reports throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iliassarbout/CityOfLight/internal/bridge"
	"github.com/iliassarbout/CityOfLight/internal/launcher"
)

func main() {
	var (
		segment = flag.String("segment", "col0", "shared segment name")
		width   = flag.Uint("width", 64, "expected frame width in pixels")
		height  = flag.Uint("height", 64, "expected frame height in pixels")
		steps   = flag.Int("steps", 200, "number of lockstep ticks to drive")
		timeout = flag.Duration("step-timeout", 5*time.Second, "per-step deadline")
		launch  = flag.String("launch", "", "simulator executable to launch before attaching")
		logFile = flag.String("launch-log", "", "log file handed to the launched simulator")
		debug   = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	log, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *segment, uint32(*width), uint32(*height), *steps, *timeout, *launch, *logFile); err != nil {
		log.Fatal("stepper failed", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(log *zap.Logger, segment string, width, height uint32, steps int, stepTimeout time.Duration, launch, launchLog string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var child *launcher.Process
	if launch != "" {
		var err error
		child, err = launcher.Start(ctx, launcher.Options{
			ExePath:     launch,
			SegmentName: segment,
			Headless:    true,
			LogFile:     launchLog,
			Logger:      log,
		})
		if err != nil {
			return err
		}
		defer child.Stop(5 * time.Second)
	}

	params := bridge.DefaultSimParams()
	params.ImageWidth = width
	params.ImageHeight = height

	consumer, err := bridge.Attach(segment, bridge.ModalitiesFor(params), bridge.AttachOptions{
		StepTimeout: stepTimeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer consumer.Detach()

	if err := consumer.Parametrize(ctx, params); err != nil {
		return err
	}

	start := time.Now()
	var collisions int
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		// Weave through the streets: steady forward with a slow sinusoidal turn.
		a := bridge.Action{
			Forward: 1,
			Turn:    float32(math.Sin(float64(i) / 25.0)),
			Gravity: true,
		}
		fs, err := consumer.Step(ctx, a)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if fs.Collisions != ([16]byte{}) {
			collisions++
		}
		for _, line := range consumer.DrainLogs() {
			log.Info("simulator: " + line)
		}
	}
	elapsed := time.Since(start)

	pose := consumer.Pose()
	log.Info("run complete",
		zap.Int("steps", steps),
		zap.Duration("elapsed", elapsed),
		zap.Float64("steps_per_sec", float64(steps)/elapsed.Seconds()),
		zap.Int("ticks_with_collisions", collisions),
		zap.Float32("x", pose.X),
		zap.Float32("y", pose.Y),
		zap.Float32("z", pose.Z))
	return nil
}
