// Cityscale
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Command cityscale runs the self-hosted PlanetScale-compatible MySQL
// gateway: it supervises mysqld, serves the HTTP SQL and admin APIs, and
// multiplexes both protocols over one public port.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gravitational/cityscale"
	"github.com/gravitational/cityscale/lib/config"
	"github.com/gravitational/cityscale/lib/defaults"
	"github.com/gravitational/cityscale/lib/gateway"
	"github.com/gravitational/cityscale/lib/multiplexer"
	"github.com/gravitational/cityscale/lib/mysqlctl"
	"github.com/gravitational/cityscale/lib/web"
)

func main() {
	app := kingpin.New("cityscale", "Self-hosted PlanetScale-compatible MySQL gateway.")
	app.Version(cityscale.Version)
	debug := app.Flag("debug", "Enable debug logging.").Envar("CITYSCALE_DEBUG").Bool()
	addr := app.Flag("addr", "Address to listen on, overrides --port.").Envar("ADDR").String()
	port := app.Flag("port", "Port to listen on.").Envar("PORT").Default(fmt.Sprintf("%d", defaults.Port)).Int()
	dataDir := app.Flag("data-dir", "Directory holding configuration and MySQL data.").Envar("DATA_DIR").Default(".").String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	listenAddr := *addr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%d", *port)
	}

	if err := run(listenAddr, *dataDir); err != nil {
		slog.Error("Cityscale terminated.", "error", err)
		os.Exit(1)
	}
}

func run(listenAddr, dataDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	cfgMgr, err := config.Load(filepath.Join(dataDir, defaults.ConfigFile))
	if err != nil {
		return trace.Wrap(err)
	}

	slog.Info("Starting MySQL server.")
	mysqld, err := mysqlctl.Start(ctx, mysqlctl.Config{
		DataDir:      dataDir,
		RootPassword: cfgMgr.Get().MySQLRootPassword,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer mysqld.Close()
	if err := mysqld.WaitReady(ctx); err != nil {
		return trace.Wrap(err)
	}

	pool, err := gateway.NewPool(gateway.PoolConfig{Addr: defaults.MySQLAddr})
	if err != nil {
		return trace.Wrap(err)
	}
	defer pool.Close()
	registry := gateway.NewRegistry(nil, nil)
	defer registry.Close()

	gatewayHandler, err := gateway.NewHandler(gateway.HandlerConfig{
		Pool:     pool,
		Registry: registry,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	webHandler, err := web.NewHandler(web.Config{
		ConfigManager: cfgMgr,
		Pool:          pool,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	// The SQL gateway owns its two endpoints; everything else is the
	// admin API.
	routes := http.NewServeMux()
	routes.Handle("/Execute", gatewayHandler)
	routes.Handle("/CreateSession", gatewayHandler)
	routes.Handle("/", webHandler)

	// The HTTP side listens on loopback only; the public port belongs to
	// the multiplexer, which forwards classified connections here.
	internalListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return trace.Wrap(err, "failed to bind internal listener")
	}
	server := &http.Server{Handler: routes}

	publicListener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return trace.Wrap(err, "failed to bind to %v", listenAddr)
	}
	mux, err := multiplexer.New(multiplexer.Config{
		Listener:  publicListener,
		HTTPAddr:  internalListener.Addr().String(),
		MySQLAddr: defaults.MySQLAddr,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	slog.Info("Cityscale listening.", "addr", listenAddr, "version", cityscale.Version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Serve(internalListener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		return trace.Wrap(mux.Serve(ctx))
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-mysqld.Exited():
			return trace.ConnectionProblem(nil, "mysqld exited unexpectedly")
		}
		mux.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	})
	return trace.Wrap(g.Wait())
}
