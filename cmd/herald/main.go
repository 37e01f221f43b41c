/*
Copyright 2023 Mailgun Technologies Inc

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
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mailgun/herald"
	"github.com/mailgun/holster/v4/tracing"
	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var log = logrus.WithField("category", "server")
var Version = "dev-build"

func main() {
	var configFile string

	logrus.Infof("herald %s (%s/%s)", Version, runtime.GOARCH, runtime.GOOS)
	flags := flag.NewFlagSet("herald", flag.ContinueOnError)
	flags.StringVar(&configFile, "config", "", "environment config file")
	checkErr(flags.Parse(os.Args[1:]), "while parsing flags")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var configFileReader io.Reader
	if configFile != "" {
		fd, err := os.Open(configFile)
		checkErr(err, fmt.Sprintf("while opening config file '%s'", configFile))
		defer fd.Close()
		configFileReader = fd
	}

	// Read our config from the environment or optional environment config file
	conf, err := herald.SetupDaemonConfig(logrus.StandardLogger(), configFileReader)
	checkErr(err, "while getting config")

	if conf.Tracing {
		res, err := tracing.NewResource("herald", Version)
		checkErr(err, "while creating tracing resource")
		if _, _, err := tracing.InitTracing(ctx, "github.com/mailgun/herald", sdktrace.WithResource(res)); err != nil {
			log.WithError(err).Warn("while initializing tracing")
		}
		defer func() { _ = tracing.CloseTracing(context.Background()) }()
	}

	daemon, err := herald.SpawnDaemon(ctx, conf)
	checkErr(err, "while starting server")

	// Wait here for signals to clean up our mess
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.WithField("signal", sig.String()).Info("caught signal; shutting down")
	daemon.Close()
}

func checkErr(err error, msg string) {
	if err != nil {
		log.WithError(err).Error(msg)
		os.Exit(1)
	}
}
