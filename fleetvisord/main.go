// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command fleetvisord supervises a fleet of game server instances and
// serves the HTTP and websocket APIs used to manage them.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/gdamore/fleetvisor"
	"github.com/gdamore/fleetvisor/bus"
	"github.com/gdamore/fleetvisor/config"
	"github.com/gdamore/fleetvisor/journal"
	"github.com/gdamore/fleetvisor/rest"
	"github.com/gdamore/fleetvisor/wsapi"
)

// How long running instances get to stop when the daemon is told to quit.
const shutdownGrace = 60 * time.Second

type daemon struct {
	configPath string
	addr       string
	root       string
}

func newRootCommand() *cobra.Command {
	d := &daemon{}
	cmd := &cobra.Command{
		Use:          "fleetvisord",
		Short:        "Supervise game server instances",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE:         d.run,
	}
	cmd.Flags().StringVarP(&d.configPath, "config", "c", "", "path to YAML configuration file")
	cmd.Flags().StringVarP(&d.addr, "addr", "a", "", "listen address (overrides the configuration)")
	cmd.Flags().StringVarP(&d.root, "root", "d", "", "instance root directory (overrides the configuration)")
	return cmd
}

func (d *daemon) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return nil, err
	}
	if d.addr != "" {
		cfg.Listen = d.addr
	}
	if d.root != "" {
		cfg.SetRoot(d.root)
	}
	return cfg, nil
}

func buildRegistry(cfg *config.Config) (*fleetvisor.Registry, error) {
	classifier, err := fleetvisor.NewRegexClassifier(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	fetcher := fleetvisor.NewAssetFetcher(nil, cfg.RuntimeCache)
	reg, err := fleetvisor.NewRegistry(fleetvisor.RegistryConfig{
		Root:        cfg.Root,
		Provisioner: fleetvisor.NewProvisioner(fetcher, cfg.Assets),
		Classifier:  classifier,
		ConsoleSize: cfg.ConsoleSize,
		StopTimeout: cfg.StopTimeout.Std(),
		StopLine:    cfg.StopCommand,
	})
	if err != nil {
		return nil, err
	}
	for name, file := range cfg.Resources {
		reg.Resources().Register(name, fleetvisor.JSONCodec{File: file})
	}
	return reg, nil
}

func (d *daemon) run(cmd *cobra.Command, args []string) error {
	cfg, err := d.loadConfig()
	if err != nil {
		return err
	}
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	pfxlog.GlobalInit(level, pfxlog.DefaultOptions().SetTrimPrefix("github.com/gdamore/"))
	log := pfxlog.Logger()

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	j, err := journal.Open(cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	events := bus.New(bus.WithCapacity(cfg.EventLogCapacity))
	bridge := wsapi.NewBridge(reg, events, j)
	if err = reg.Load(); err != nil {
		return errors.Wrap(err, "failed to load instances")
	}

	handler := rest.NewHandler(rest.HandlerConfig{
		Registry: reg,
		History:  j,
		Sessions: wsapi.NewHandler(bridge, wsapi.HandlerConfig{Keepalive: cfg.Keepalive.Std()}),
		Secret:   []byte(cfg.JWTSecret),
	})
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.Listen)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(netutil.LimitListener(ln, cfg.MaxConnections))
	}()
	log.Infof("serving %s on %s", reg.Root(), ln.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Infof("received %v, shutting down", sig)
	case err = <-errs:
		log.WithError(err).Error("server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if e := reg.Shutdown(ctx); e != nil {
		log.WithError(e).Warn("instances did not all stop cleanly")
	}
	srv.Shutdown(ctx)
	return err
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
