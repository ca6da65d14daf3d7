package capture

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/actor"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/logging"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/pixel"
	"github.com/synqing/Lightwave-Ledstrip-sub001/internal/snapshot"
	"github.com/synqing/Lightwave-Ledstrip-sub001/timectrl"
)

// HeaderSize is the length of a record header: seq u32, unix ns i64 and
// pixel count u32, little endian.
const HeaderSize = 16

var (
	ErrTruncated = errors.New("capture: truncated record")
	ErrOversize  = errors.New("capture: record exceeds max pixels")
)

// Config controls recording.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig records at 20 Hz when enabled.
func DefaultConfig() Config {
	return Config{Path: "capture.lwf.zst", Interval: 50 * time.Millisecond}
}

// Recorder is a periodic unit that writes every new captured frame to a
// zstd-compressed stream. Frames published faster than the tick rate are
// skipped; sequence numbers in the stream show the gaps.
type Recorder struct {
	actor.BaseUnit

	path   string
	dst    io.Writer
	file   *os.File
	enc    *zstd.Encoder
	bw     *bufio.Writer
	reader *snapshot.Reader[Frame]
	clock  timectrl.Clock
	logger logging.Logger

	lastSeq uint64
	written atomic.Uint64
	bytes   uint64
	errs    uint64
	buf     [HeaderSize + MaxPixels*3]byte
}

// NewRecorder records into path, created on start.
func NewRecorder(path string, r *snapshot.Reader[Frame], clock timectrl.Clock, logger logging.Logger) *Recorder {
	rec := newRecorder(r, clock, logger)
	rec.path = path
	return rec
}

// NewRecorderTo records into w. The writer is not closed on stop.
func NewRecorderTo(w io.Writer, r *snapshot.Reader[Frame], clock timectrl.Clock, logger logging.Logger) *Recorder {
	rec := newRecorder(r, clock, logger)
	rec.dst = w
	return rec
}

func newRecorder(r *snapshot.Reader[Frame], clock timectrl.Clock, logger logging.Logger) *Recorder {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Recorder{reader: r, clock: clock, logger: logger}
}

// OnStart opens the output stream.
func (r *Recorder) OnStart(ctx context.Context) error {
	if r.dst == nil {
		if dir := filepath.Dir(r.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("capture: create dir: %w", err)
			}
		}
		f, err := os.Create(r.path)
		if err != nil {
			return fmt.Errorf("capture: open %s: %w", r.path, err)
		}
		r.file = f
		r.dst = f
	}
	enc, err := zstd.NewWriter(r.dst, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		r.closeFile()
		return fmt.Errorf("capture: zstd writer: %w", err)
	}
	r.enc = enc
	r.bw = bufio.NewWriterSize(enc, 64*1024)
	r.logger.Info(ctx, "frame recorder started", logging.String("path", r.path))
	return nil
}

// OnTick writes the latest frame when it is new.
func (r *Recorder) OnTick() {
	rec, fresh := r.reader.Read(r.clock.Now())
	if fresh == snapshot.Empty || rec.Seq == r.lastSeq {
		return
	}
	r.lastSeq = rec.Seq
	n, err := r.writeRecord(&rec)
	if err != nil {
		r.errs++
		if r.errs == 1 {
			r.logger.Warn(context.Background(), "frame record write failed", logging.Err(err))
		}
		return
	}
	r.written.Add(1)
	r.bytes += uint64(n)
}

func (r *Recorder) writeRecord(rec *snapshot.Record[Frame]) (int, error) {
	count := int(rec.Payload.Count)
	b := r.buf[:HeaderSize+count*3]
	binary.LittleEndian.PutUint32(b[0:], uint32(rec.Seq))
	binary.LittleEndian.PutUint64(b[4:], uint64(rec.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(b[12:], uint32(count))
	off := HeaderSize
	for _, p := range rec.Payload.Pixels[:count] {
		b[off], b[off+1], b[off+2] = p.R, p.G, p.B
		off += 3
	}
	return r.bw.Write(b)
}

// OnStop flushes and closes the stream.
func (r *Recorder) OnStop() {
	var err error
	if r.bw != nil {
		err = errors.Join(err, r.bw.Flush())
	}
	if r.enc != nil {
		err = errors.Join(err, r.enc.Close())
	}
	err = errors.Join(err, r.closeFile())
	r.reader.Close()
	if err != nil {
		r.logger.Warn(context.Background(), "frame recorder close failed", logging.Err(err))
	}
	r.logger.Info(context.Background(), "frame recorder stopped",
		logging.Uint64("frames", r.written.Load()),
		logging.Uint64("bytes", r.bytes),
		logging.Uint64("errors", r.errs),
	)
}

func (r *Recorder) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Written returns the number of records written. Safe from any goroutine.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Entry is one decoded record.
type Entry struct {
	Seq       uint32
	Timestamp time.Time
	Pixels    []pixel.RGB8
}

// ReadAll decodes a recorded stream.
func ReadAll(src io.Reader) ([]Entry, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	br := bufio.NewReader(dec)
	var out []Entry
	var hdr [HeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return out, ErrTruncated
			}
			return out, err
		}
		count := binary.LittleEndian.Uint32(hdr[12:])
		if count > MaxPixels {
			return out, fmt.Errorf("%w: %d", ErrOversize, count)
		}
		data := make([]byte, count*3)
		if _, err := io.ReadFull(br, data); err != nil {
			return out, ErrTruncated
		}
		e := Entry{
			Seq:       binary.LittleEndian.Uint32(hdr[0:]),
			Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(hdr[4:]))),
			Pixels:    make([]pixel.RGB8, count),
		}
		for i := range e.Pixels {
			e.Pixels[i] = pixel.RGB8{R: data[3*i], G: data[3*i+1], B: data[3*i+2]}
		}
		out = append(out, e)
	}
}
