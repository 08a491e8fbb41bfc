// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for refstress.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gvisor.dev/refcounts/pkg/log"
	"gvisor.dev/refcounts/pkg/metric"
	"gvisor.dev/refcounts/pkg/prometheus"
	"gvisor.dev/refcounts/pkg/refs"
	"gvisor.dev/refcounts/refstress/cmd"
	"gvisor.dev/refcounts/refstress/cmd/util"
	"gvisor.dev/refcounts/refstress/config"
	"gvisor.dev/refcounts/refstress/flag"
)

var goroutines = metric.MustCreateNewRuntimeUint64Metric("/refstress/goroutines", "/sched/goroutines:goroutines")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf(err.Error())
	}

	subcommand := flag.CommandLine.Arg(0)

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	var emitters log.MultiEmitter
	logFile, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.CommandFileOpts{Command: subcommand})
	if err != nil {
		util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
	}
	if logFile != nil {
		emitters = append(emitters, newEmitter(conf.LogFormat, logFile))
		util.ErrorLogger = logFile
		if conf.AlsoLogToStderr {
			emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
		}
	} else {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	if len(emitters) == 1 {
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}

	// Sets the reference leak check mode. It must be set before any object
	// is created to track all of them.
	refs.SetLeakMode(conf.ReferenceLeak)
	refs.SetSideTableLimit(uint32(conf.MaxSideTables))

	if err := metric.Initialize(); err != nil {
		util.Fatalf("initializing metrics: %v", err)
	}

	const delimString = `************** refstress **************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d, checks enabled: %t", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), refs.ChecksEnabled)
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	log.Debugf("%d goroutines running after %q", goroutines.Value(), subcommand)

	// Check for leaks and write metrics before os.Exit().
	refs.DoLeakCheck()
	if conf.MetricsFile != "" {
		if err := writeMetrics(conf, subcommand); err != nil {
			util.Fatalf("%v", err)
		}
	}
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// writeMetrics writes a Prometheus snapshot of all metrics to
// conf.MetricsFile.
func writeMetrics(conf *config.Config, subcommand string) error {
	f, err := os.Create(conf.MetricsFile)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	_, err = metric.WritePrometheus(f, prometheus.ExportOptions{
		CommentHeader: fmt.Sprintf("Metrics of refstress %s, PID %d", subcommand, os.Getpid()),
	}, prometheus.SnapshotExportOptions{
		ExporterPrefix: conf.MetricsPrefix,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing metrics file %q: %w", conf.MetricsFile, err)
	}
	log.Infof("Wrote metrics to %q", conf.MetricsFile)
	return nil
}

// forEachCmd invokes the passed callback for each command supported by
// refstress.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Scenario), "")
	cb(new(cmd.Stress), "")
	cb(new(cmd.Scramble), "")

	const metricGroup = "metrics"
	cb(new(cmd.Metrics), metricGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		l := logrus.New()
		l.SetOutput(logFile)
		l.SetLevel(logrus.DebugLevel)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return log.LogrusEmitter{Logger: l}
	}
	util.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
