package telemetry

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rotator archives the process log file once the directory's total size
// crosses a threshold share of the configured ceiling. Archives are
// gzip-compressed; the active file is recreated empty.
type Rotator struct {
	dir       string
	file      string
	maxBytes  int64
	threshold float64
	logger    zerolog.Logger
	mu        sync.Mutex
}

// RotateResult reports one completed rotation.
type RotateResult struct {
	Archive       string `json:"archive"`
	OriginalBytes int64  `json:"originalBytes"`
	ArchiveBytes  int64  `json:"archiveBytes"`
}

func NewRotator(dir, file string, maxBytes int64, threshold float64, logger zerolog.Logger) *Rotator {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &Rotator{
		dir:       dir,
		file:      file,
		maxBytes:  maxBytes,
		threshold: threshold,
		logger:    logger.With().Str("component", "log-rotator").Logger(),
	}
}

// TotalSize sums the active file and all archives in the log directory.
func (r *Rotator) TotalSize() (int64, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name != r.file && !strings.HasSuffix(name, ".gz") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// ShouldRotate reports whether the total size crossed the threshold.
func (r *Rotator) ShouldRotate() (bool, error) {
	if r.maxBytes <= 0 {
		return false, nil
	}
	total, err := r.TotalSize()
	if err != nil {
		return false, err
	}
	return float64(total) >= float64(r.maxBytes)*r.threshold, nil
}

// Rotate archives the active file unconditionally. Missing or empty active
// files rotate to nothing.
func (r *Rotator) Rotate() (*RotateResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := filepath.Join(r.dir, r.file)
	info, err := os.Stat(active)
	if err != nil {
		if os.IsNotExist(err) {
			return &RotateResult{}, nil
		}
		return nil, err
	}
	if info.Size() == 0 {
		return &RotateResult{}, nil
	}

	stamp := time.Now().UTC().Format("20060102T150405")
	archive := filepath.Join(r.dir, fmt.Sprintf("%s.%s.gz", r.file, stamp))

	if err := gzipFile(active, archive); err != nil {
		return nil, fmt.Errorf("compress log archive: %w", err)
	}
	if err := os.Truncate(active, 0); err != nil {
		return nil, fmt.Errorf("truncate active log: %w", err)
	}

	archInfo, err := os.Stat(archive)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("archive", filepath.Base(archive)).
		Int64("original_bytes", info.Size()).
		Int64("archive_bytes", archInfo.Size()).
		Msg("log file rotated")

	return &RotateResult{
		Archive:       filepath.Base(archive),
		OriginalBytes: info.Size(),
		ArchiveBytes:  archInfo.Size(),
	}, nil
}

// Sweep rotates only when the threshold is crossed. It is the cron entry
// point and never returns an error to the scheduler; failures are logged.
func (r *Rotator) Sweep() {
	due, err := r.ShouldRotate()
	if err != nil {
		r.logger.Error().Err(err).Msg("rotation size check failed")
		return
	}
	if !due {
		return
	}
	if _, err := r.Rotate(); err != nil {
		r.logger.Error().Err(err).Msg("log rotation failed")
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
