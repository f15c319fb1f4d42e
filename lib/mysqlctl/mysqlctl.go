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

// Package mysqlctl bootstraps and supervises the mysqld process cityscale
// fronts.
//
// Initialization of a fresh data directory is delegated to the MySQL Docker
// entrypoint: it handles user creation and the root password dance, which
// mysqld makes painful to script directly.
package mysqlctl

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/gravitational/trace"

	"github.com/gravitational/cityscale"
	"github.com/gravitational/cityscale/lib/defaults"
)

// Config is the mysqld supervisor configuration.
type Config struct {
	// DataDir is the cityscale data directory; mysqld data lives in its
	// "mysql" subdirectory.
	DataDir string
	// Entrypoint is the path of the MySQL Docker entrypoint script.
	Entrypoint string
	// RootPassword configures the root account on first initialization
	// and is used for readiness pings.
	RootPassword string
	// Addr is the address mysqld listens on.
	Addr string
	// Logger is the supervisor logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.DataDir == "" {
		return trace.BadParameter("missing DataDir")
	}
	if c.RootPassword == "" {
		return trace.BadParameter("missing RootPassword")
	}
	if c.Entrypoint == "" {
		c.Entrypoint = "/usr/local/bin/docker-entrypoint.sh"
	}
	if c.Addr == "" {
		c.Addr = defaults.MySQLAddr
	}
	if c.Logger == nil {
		c.Logger = slog.With(cityscale.ComponentKey, cityscale.ComponentMySQL)
	}
	return nil
}

// Server is a running mysqld process.
type Server struct {
	cfg Config
	cmd *exec.Cmd

	// exited closes when the process exits; the wait error is stored in
	// exitErr beforehand.
	exited  chan struct{}
	exitErr error
}

// Start bootstraps the data directory if needed and spawns mysqld.
func Start(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	mysqlDir := filepath.Join(cfg.DataDir, defaults.MySQLDataDir)
	if _, err := os.Stat(mysqlDir); os.IsNotExist(err) {
		cfg.Logger.InfoContext(ctx, "Initializing MySQL data directory.", "path", mysqlDir)
		if err := os.MkdirAll(mysqlDir, 0o750); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		// mysqld runs as the mysql user inside the image.
		if out, err := exec.CommandContext(ctx, "chown", "mysql:mysql", mysqlDir).CombinedOutput(); err != nil {
			cfg.Logger.WarnContext(ctx, "Failed to chown MySQL data directory.", "error", err, "output", string(out))
		}
	}

	// Arguments are forwarded by the entrypoint to mysqld; the root
	// password is consumed by the entrypoint's first-boot setup.
	cmd := exec.Command(cfg.Entrypoint, "--datadir", mysqlDir)
	cmd.Env = append(os.Environ(), "MYSQL_ROOT_PASSWORD="+cfg.RootPassword)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, trace.Wrap(err, "failed to start mysqld")
	}
	cfg.Logger.InfoContext(ctx, "Started mysqld.", "pid", cmd.Process.Pid)

	s := &Server{
		cfg:    cfg,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		s.exitErr = err
		close(s.exited)
		cfg.Logger.InfoContext(ctx, "mysqld exited.", "error", err)
	}()
	return s, nil
}

// WaitReady blocks until mysqld accepts root connections, the context is
// canceled, or the process exits.
func (s *Server) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaults.MySQLReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(defaults.MySQLReadyInterval)
	defer ticker.Stop()
	for {
		conn, err := client.Connect(s.cfg.Addr, "root", s.cfg.RootPassword, "")
		if err == nil {
			pingErr := conn.Ping()
			conn.Close()
			if pingErr == nil {
				s.cfg.Logger.InfoContext(ctx, "mysqld is ready.", "addr", s.cfg.Addr)
				return nil
			}
		}
		select {
		case <-ticker.C:
		case <-s.exited:
			return trace.ConnectionProblem(s.exitErr, "mysqld exited before becoming ready")
		case <-ctx.Done():
			return trace.ConnectionProblem(err, "timed out waiting for mysqld to become ready")
		}
	}
}

// Exited closes when the mysqld process exits.
func (s *Server) Exited() <-chan struct{} {
	return s.exited
}

// Close asks mysqld to shut down and waits for it to exit.
func (s *Server) Close() error {
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return trace.Wrap(err)
	}
	select {
	case <-s.exited:
		return nil
	case <-time.After(defaults.ShutdownTimeout):
		if err := s.cmd.Process.Kill(); err != nil {
			return trace.Wrap(err)
		}
		<-s.exited
		return nil
	}
}
