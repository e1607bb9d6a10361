package sink

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/video"
	"go.uber.org/zap"
)

// FileSink appends access units to an Annex-B elementary stream file that
// standard tools (ffplay, ffprobe) can read.
type FileSink struct {
	path string

	mu    sync.Mutex
	f     *os.File
	w     *bufio.Writer
	units int
	bytes int64
}

// NewFileSink creates (or truncates) path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open video file: %w", err)
	}
	logging.Info("Writing video stream to file", zap.String("path", path))
	return &FileSink{path: path, f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// Decode implements video.Sink.
func (s *FileSink) Decode(buf []byte, off, n int, _ bool, _ video.Codec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return fmt.Errorf("write %s: sink closed", s.path)
	}
	if _, err := s.w.Write(buf[off : off+n]); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.units++
	s.bytes += int64(n)
	return nil
}

// Units returns the number of access units written.
func (s *FileSink) Units() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.units
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	s.f = nil

	logging.Info("Video file closed",
		zap.String("path", s.path),
		zap.Int("units", s.units),
		zap.Int64("bytes", s.bytes),
	)
	if flushErr != nil {
		return fmt.Errorf("flush %s: %w", s.path, flushErr)
	}
	return closeErr
}
