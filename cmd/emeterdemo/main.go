// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command emeterdemo exercises every registered driver for one sampling
// interval and prints the resulting per-device totals. It mirrors the
// teacher's collector-test command: a small, flag-driven smoke test, not
// a host CLI wrapper.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emeter/recordsink"

	_ "github.com/antimetal/emeter/pkg/emeter/drivers/dummy"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/labee"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/mic"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/nvml"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/odroid"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/pmlib"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/rapl"
	_ "github.com/antimetal/emeter/pkg/emeter/drivers/sbpdu"
)

var (
	duration = flag.Duration("duration", 2*time.Second, "how long to measure")
	verbose  = flag.Bool("verbose", false, "enable verbose logging")
	dumpCSV  = flag.Bool("dump-csv", false, "dump each device's raw samples as CSV before the summary")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	cfg := config.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lib, err := emeter.NewLibrary(ctx, logger, cfg)
	if err != nil {
		fmt.Printf("failed to bring up library: %v\n", err)
		return
	}
	defer lib.Shutdown(ctx)

	fmt.Printf("discovered %d device(s):\n", lib.DeviceCount())
	for _, d := range lib.Devices() {
		fmt.Printf("  %s (%s)\n", d.Name(), d.Type())
	}

	if err := lib.BeginAll(ctx); err != nil {
		fmt.Printf("BeginAll failed: %v\n", err)
		return
	}
	time.Sleep(*duration)

	datasets, err := lib.EndAll(ctx)
	if err != nil {
		fmt.Printf("EndAll failed: %v\n", err)
	}

	type result struct {
		Device   string  `json:"device"`
		Elapsed  float64 `json:"elapsed_seconds"`
		Consumed float64 `json:"consumed_joules"`
		Points   int     `json:"points"`
	}
	var results []result
	for _, ds := range datasets {
		if ds == nil {
			continue
		}
		if *dumpCSV {
			sink := recordsink.NewCSV(os.Stdout)
			if err := ds.DumpRecords(sink); err != nil {
				fmt.Printf("dump failed for %s: %v\n", ds.Device().Name(), err)
			}
		}
		results = append(results, result{
			Device:   ds.Device().Name(),
			Elapsed:  ds.GetElapsed(),
			Consumed: ds.GetConsumed(),
			Points:   ds.NPoints(),
		})
		ds.Release()
	}

	out, _ := json.MarshalIndent(results, "", "  ")
	fmt.Println(string(out))
}
