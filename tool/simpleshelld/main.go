/*
Copyright 2022 Gravitational, Inc.

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
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	"github.com/funkpopo/simpleshell-engine/lib/engine"
	"github.com/funkpopo/simpleshell-engine/lib/eventbus"
)

var (
	logFormat  = flag.String("log_format", "", "Log format to use (json or text)")
	logLevel   = flag.String("log_level", "", "Log level to use")
	addr       = flag.String("addr", "127.0.0.1:7681", "Bind address for the UI transport websocket")
	dataDir    = flag.String("data_dir", "", "Directory to store the Resume Journal and connection catalog")
	configPath = flag.String("config", "", "Optional YAML tuning file (pool ceilings, backoff caps, probe interval)")
)

func main() {
	// The transfer subcommand drives its own flag set (it shares no
	// flags with the daemon) and exits directly, mirroring how the
	// teacher's tctl/tsh binaries dispatch subcommands ahead of the
	// top-level flag.Parse.
	if len(os.Args) > 1 && os.Args[1] == "transfer" {
		if err := runTransferCLI(os.Args[2:]); err != nil {
			log.Fatal(trace.Wrap(err))
		}
		return
	}

	flag.Parse()
	configureLogging()

	if err := run(); err != nil {
		log.Fatal(trace.Wrap(err))
	}
}

// configureLogging mirrors the teacher's tshd binary's flag-driven
// logrus setup, substituting trace's own formatters for the
// text/json split.
func configureLogging() {
	switch *logFormat {
	case "": // OK, use defaults
		log.SetFormatter(&trace.TextFormatter{})
	case "json":
		log.SetFormatter(&trace.JSONFormatter{})
	case "text":
		log.SetFormatter(&trace.TextFormatter{})
	default:
		log.Warnf("Invalid log_format flag: %q", *logFormat)
	}
	if ll := *logLevel; ll != "" {
		switch level, err := log.ParseLevel(ll); {
		case err != nil:
			log.WithError(err).Warn("Invalid -log_level flag")
		default:
			log.SetLevel(level)
		}
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.Wrap(err)
		}
		*dataDir = home + "/.simpleshell-engine"
	}

	tuning, err := engine.LoadTuning(*configPath)
	if err != nil {
		return trace.Wrap(err)
	}

	e, err := engine.New(engine.Config{DataDir: *dataDir, Tuning: tuning})
	if err != nil {
		return trace.Wrap(err)
	}

	srv := &server{engine: e, upgrader: websocket.Upgrader{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/ui", srv.handleUI)

	httpSrv := &http.Server{Addr: *addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		if err := e.Shutdown(); err != nil {
			log.Warnf("engine shutdown: %v", err)
		}
		httpSrv.Close()
	}()

	log.Infof("listening on %s", *addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}

// server upgrades incoming HTTP requests to the single websocket
// connection the UI transport runs its Event Bus over, per
// spec.md §6.
type server struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader
}

func (s *server) handleUI(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	hub, err := eventbus.New(eventbus.Config{
		Conn:      conn,
		OnInbound: s.engine.HandleInbound,
	})
	if err != nil {
		log.Warnf("starting event bus: %v", err)
		conn.Close()
		return
	}

	s.engine.AttachBus(hub)
	<-hub.Done()
}
