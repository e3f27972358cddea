package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/banshee-data/dronewatch/internal/monitoring"
	"github.com/banshee-data/dronewatch/internal/security"
	"github.com/banshee-data/dronewatch/internal/timeutil"
)

const maxReplayLine = 1 << 20

// ReplayConfig configures a JSON-lines replay: one raw payload per line, as
// written by a receiver's logger.
type ReplayConfig struct {
	Path string
	// AllowedDirs confines Path. Empty means the working and temp directories.
	AllowedDirs []string
	// Interval between lines; zero replays as fast as the engine accepts.
	Interval time.Duration
	Clock    timeutil.Clock
}

type ReplaySource struct {
	counters
	cfg ReplayConfig
	ing Ingestor
}

func NewReplaySource(cfg ReplayConfig, ing Ingestor) *ReplaySource {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &ReplaySource{cfg: cfg, ing: ing}
}

func (s *ReplaySource) Name() string { return "replay" }

func (s *ReplaySource) Run(ctx context.Context) error {
	var err error
	if len(s.cfg.AllowedDirs) > 0 {
		err = security.WithinAnyDir(s.cfg.Path, s.cfg.AllowedDirs)
	} else {
		err = security.ValidateReplayPath(s.cfg.Path)
	}
	if err != nil {
		return fmt.Errorf("invalid replay path: %w", err)
	}

	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), maxReplayLine)
	lines := 0
	for scan.Scan() {
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if lines > 0 && s.cfg.Interval > 0 {
			timer := s.cfg.Clock.NewTimer(s.cfg.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C():
			}
		}
		payload := append([]byte(nil), line...)
		if err := s.deliver(ctx, s.ing, s.Name(), payload); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		lines++
	}
	if err := scan.Err(); err != nil {
		return fmt.Errorf("read replay file: %w", err)
	}
	monitoring.Logf("[ingest/replay] %s complete: %d payloads", s.cfg.Path, lines)
	return nil
}
