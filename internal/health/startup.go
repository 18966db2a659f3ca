// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/comradarr/comradarr/internal/config"
	"github.com/comradarr/comradarr/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving. Failures here are fatal; a half-working process is worse than a
// crashed one.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkListenAddr("LISTEN_ADDR", cfg.ListenAddr); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		if err := checkListenAddr("METRICS_ADDR", cfg.MetricsAddr); err != nil {
			return err
		}
	}
	if err := checkDBDir(logger, cfg.DBPath); err != nil {
		return fmt.Errorf("database directory check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkListenAddr(name, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid %s port %q in %q", name, port, addr)
	}
	return nil
}

// checkDBDir verifies the directory holding the SQLite file is writable.
// SQLite needs to create WAL sidecar files next to the database.
func checkDBDir(logger zerolog.Logger, dbPath string) error {
	dir := filepath.Dir(dbPath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s (%v)", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("dir", dir).Msg("database directory is writable")
	return nil
}
