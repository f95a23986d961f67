// Package trace records and replays hook hit logs: one record per gate
// dispatch, written behind a small struc header as a snappy stream.
package trace

import (
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/fastproto/fastproto/go/instrument"
)

var HITLOG_MAGIC = "FPHL"

const HITLOG_VERSION = 1

type Header struct {
	// MAGIC ("FPHL")
	Magic string `struc:"[4]byte" json:"-"`
	// file format version
	Version uint32 `json:"version"`
	// Emulated architecture, right-null-padded.
	Arch string `struc:"[32]byte" json:"arch"`
	// Byte Order - 0 for little, 1 for big
	OrderNum uint8            `json:"-"`
	Order    binary.ByteOrder `struc:"skip" json:"-"`
}

// Hit is one dispatch through the gate.
type Hit struct {
	Cpu     int32
	Pc      uint64
	Changed bool
}

type Writer struct {
	mu  sync.Mutex
	w   io.WriteCloser
	zw  *snappy.Writer
	err error
}

var _ instrument.Tracer = (*Writer)(nil)

func NewWriter(w io.WriteCloser, arch string, order binary.ByteOrder) (*Writer, error) {
	header := &Header{Magic: HITLOG_MAGIC, Version: HITLOG_VERSION, Arch: arch}
	if order == binary.BigEndian {
		header.OrderNum = 1
	}
	if err := struc.Pack(w, header); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &Writer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

// Hit appends a record. It is called from every vCPU goroutine; the first
// write error sticks and is returned by Close.
func (t *Writer) Hit(cpu int, pc uint64, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = struc.Pack(t.zw, &Hit{Cpu: int32(cpu), Pc: pc, Changed: changed})
}

func (t *Writer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.err
	if cerr := t.zw.Close(); err == nil {
		err = cerr
	}
	if cerr := t.w.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "failed to close hit log")
}

type Reader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header Header
}

func NewReader(r io.ReadCloser) (*Reader, error) {
	t := &Reader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != HITLOG_MAGIC {
		return nil, errors.New("invalid hit log magic")
	}
	if t.Header.Version != HITLOG_VERSION {
		return nil, errors.Errorf("unsupported hit log version %d", t.Header.Version)
	}
	t.Header.Arch = strings.TrimRight(t.Header.Arch, "\x00")
	switch t.Header.OrderNum {
	case 0:
		t.Header.Order = binary.LittleEndian
	case 1:
		t.Header.Order = binary.BigEndian
	default:
		return nil, errors.Errorf("invalid byte order %d", t.Header.OrderNum)
	}
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns the next record, or io.EOF after the last one.
func (t *Reader) Next() (*Hit, error) {
	var h Hit
	if err := struc.Unpack(t.zr, &h); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to unpack hit")
	}
	return &h, nil
}

func (t *Reader) Close() {
	t.zr.Reset(nil)
	t.r.Close()
}
