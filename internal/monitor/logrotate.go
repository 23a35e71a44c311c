package monitor

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogPath is the supervisor log file under the data dir.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "monitor.log")
}

// rotateLog renames the supervisor log to .old once it exceeds the
// configured size, keeping a single previous generation.
func (s *Supervisor) rotateLog() error {
	path := LogPath(s.cfg.DataDir)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < s.cfg.Monitor.LogMaxBytes {
		return nil
	}
	if err := os.Rename(path, path+".old"); err != nil {
		return fmt.Errorf("rotate %s: %w", path, err)
	}
	s.logger.Info("supervisor log rotated", "bytes", info.Size())
	return nil
}
