package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"pawnsim-server/internal/sim"
)

// Recorder writes every update of a run to a zstd-compressed JSONL file,
// one UpdateMsg per line. Lag gaps are written as {"lagged": n} lines so
// a replay can tell a gap from a quiet tick.
type Recorder struct {
	dir string
}

// NewRecorder creates a recorder writing under dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir}
}

// Path returns the recording file for a run.
func (r *Recorder) Path(runID string) string {
	return filepath.Join(r.dir, runID+".jsonl.zst")
}

type lagMarker struct {
	Lagged uint64 `json:"lagged"`
}

// Record consumes sub until the run closes and returns the number of
// updates written. The subscription is closed on return.
func (r *Recorder) Record(ctx context.Context, runID string, sub *sim.Subscription) (int, error) {
	defer sub.Close()

	w, err := openJSONLZstd(r.Path(runID))
	if err != nil {
		return 0, err
	}

	n := 0
	for {
		u, err := sub.Recv(ctx)
		var lag *sim.LaggedError
		switch {
		case errors.As(err, &lag):
			if err := w.Write(lagMarker{Lagged: lag.Skipped}); err != nil {
				w.Close()
				return n, err
			}
			continue
		case errors.Is(err, sim.ErrClosed):
			return n, w.Close()
		case err != nil:
			w.Close()
			return n, err
		}
		if err := w.Write(ToWire(u)); err != nil {
			w.Close()
			return n, err
		}
		n++
		if u.Terminal {
			return n, w.Close()
		}
	}
}

type jsonlZstdWriter struct {
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

func openJSONLZstd(path string) (*jsonlZstdWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &jsonlZstdWriter{f: f, enc: enc, w: bufio.NewWriterSize(enc, 128*1024)}, nil
}

func (w *jsonlZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *jsonlZstdWriter) Close() error {
	ferr := w.w.Flush()
	eerr := w.enc.Close()
	cerr := w.f.Close()
	return errors.Join(ferr, eerr, cerr)
}
