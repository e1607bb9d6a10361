package sink

import (
	"errors"
	"sync/atomic"

	"github.com/muurk/headunit/internal/video"
)

// Counter discards access units and counts them.
type Counter struct {
	units atomic.Uint64
	bytes atomic.Uint64
}

// Discard drops everything.
var Discard video.Sink = &Counter{}

func (c *Counter) Decode(_ []byte, _, n int, _ bool, _ video.Codec) error {
	c.units.Add(1)
	c.bytes.Add(uint64(n))
	return nil
}

// Units returns the number of access units seen.
func (c *Counter) Units() uint64 { return c.units.Load() }

// Bytes returns the total size of access units seen.
func (c *Counter) Bytes() uint64 { return c.bytes.Load() }

// Multi fans every access unit out to all sinks in order. Errors are
// joined; one failing sink does not starve the rest.
func Multi(sinks ...video.Sink) video.Sink {
	return multi(sinks)
}

type multi []video.Sink

func (m multi) Decode(buf []byte, off, n int, forceSoftware bool, codec video.Codec) error {
	var errs []error
	for _, s := range m {
		if err := s.Decode(buf, off, n, forceSoftware, codec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
