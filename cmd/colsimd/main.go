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

// colsimd runs the simulator producer: it creates the shared segment, serves
// the step protocol and tears the segment down on exit.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliassarbout/CityOfLight/internal/bridge"
	"github.com/iliassarbout/CityOfLight/internal/sim"
)

func main() {
	var (
		segment   = flag.String("segment", "col0", "shared segment name")
		width     = flag.Uint("width", 64, "frame width in pixels")
		height    = flag.Uint("height", 64, "frame height in pixels")
		ringDepth = flag.Uint("ring-depth", 4, "slots per modality ring (2..64)")
		freeRun   = flag.Bool("free-run", false, "advance on a timer instead of lockstep")
		tick      = flag.Duration("tick", 20*time.Millisecond, "free-run tick period")
		grace     = flag.Duration("shutdown-grace", 3*time.Second, "how long to wait for the consumer to detach on shutdown")
		debug     = flag.Bool("debug", false, "verbose logging")
		batchMode = flag.Bool("batchmode", false, "accepted for launcher compatibility")
		_         = flag.Bool("nographics", false, "accepted for launcher compatibility")
		logFile   = flag.String("logFile", "", "redirect logs to this file")
	)
	flag.Parse()
	_ = batchMode

	log, err := buildLogger(*debug, *logFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log, *segment, uint32(*width), uint32(*height), uint32(*ringDepth), *freeRun, *tick, *grace); err != nil {
		log.Fatal("simulator failed", zap.Error(err))
	}
}

func buildLogger(debug bool, logFile string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	if logFile != "" {
		cfg.OutputPaths = []string{logFile}
		cfg.ErrorOutputPaths = []string{logFile}
	}
	return cfg.Build()
}

func run(log *zap.Logger, segment string, width, height, ringDepth uint32, freeRun bool, tick, grace time.Duration) error {
	params := bridge.DefaultSimParams()
	params.ImageWidth = width
	params.ImageHeight = height

	mode := bridge.ModeLockstep
	if freeRun {
		mode = bridge.ModeFreeRun
	}

	world := sim.NewWorld(params)
	producer, err := bridge.NewProducer(bridge.Config{
		SegmentName:   segment,
		Modalities:    bridge.ModalitiesFor(params),
		RingDepth:     ringDepth,
		Mode:          mode,
		TickInterval:  tick,
		ShutdownGrace: grace,
		Logger:        log,
	}, world)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return producer.Serve(gctx) })
	if err := g.Wait(); err != nil {
		// Teardown still runs; the serve error wins.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
		defer cancel()
		_ = producer.Shutdown(shutdownCtx)
		return err
	}

	log.Info("shutting down", zap.Uint64("ticks", producer.Seq()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
	defer cancel()
	return producer.Shutdown(shutdownCtx)
}
