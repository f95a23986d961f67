package hooks

import (
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding"
	"hash"
	"sync"

	"github.com/pkg/errors"

	"github.com/fastproto/fastproto/go/models/cpu"
)

const digestChunk = 0x1000

// DefaultDigestModes maps the mode argument of a boot ROM style hash driver
// to the algorithm it selects.
var DefaultDigestModes = map[uint64]crypto.Hash{
	0: crypto.SHA256,
	2: crypto.SHA384,
}

// Digest replaces a hardware hash engine with a software one. The three
// bodies stand in for the driver's init, update and finish routines:
//
//	init(mode)
//	update(src, len)
//	finish(dst)
//
// Digest is shared by every vCPU that runs through those routines, so its
// state is guarded by a mutex.
type Digest struct {
	Modes map[uint64]crypto.Hash

	mu   sync.Mutex
	algo crypto.Hash
	h    hash.Hash
}

func NewDigest(modes map[uint64]crypto.Hash) *Digest {
	if modes == nil {
		modes = DefaultDigestModes
	}
	return &Digest{Modes: modes}
}

// Init selects the algorithm from argument 0 and returns 0. An unknown mode
// leaves the guest routine to run.
func (d *Digest) Init() Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		mode, err := Arg(c, 0)
		if err != nil {
			return false, err
		}
		algo, ok := d.Modes[mode]
		if !ok || !algo.Available() {
			return false, errors.Errorf("unsupported hash mode %d", mode)
		}
		d.mu.Lock()
		d.algo = algo
		d.h = algo.New()
		d.mu.Unlock()
		return ReturnFrom(c, 0)
	}
}

// Update feeds len bytes at src (arguments 0 and 1) and returns 0. The
// range is hashed in fixed size chunks, so len is bounded by mapped memory
// rather than by what can be allocated at once. A read fault leaves the
// hash state as it was before the call.
func (d *Digest) Update() Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		src, err := Arg(c, 0)
		if err != nil {
			return false, err
		}
		n, err := Arg(c, 1)
		if err != nil {
			return false, err
		}
		if src+n < src {
			return false, errors.Errorf("hash update range %#x+%#x wraps", src, n)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.h == nil {
			return false, errors.New("hash update before init")
		}
		var state []byte
		if m, ok := d.h.(encoding.BinaryMarshaler); ok {
			state, _ = m.MarshalBinary()
		}
		buf := make([]byte, digestChunk)
		for addr, left := src, n; left > 0; {
			p := buf
			if left < uint64(len(p)) {
				p = p[:left]
			}
			if err := c.MemReadInto(p, addr); err != nil {
				d.rewind(state)
				return false, errors.Wrapf(err, "hash update read %#x+%#x", src, n)
			}
			d.h.Write(p)
			addr += uint64(len(p))
			left -= uint64(len(p))
		}
		return ReturnFrom(c, 0)
	}
}

// rewind restores a state saved by MarshalBinary. Without one the
// partially fed hash is dropped and the next update fails until Init.
func (d *Digest) rewind(state []byte) {
	if u, ok := d.h.(encoding.BinaryUnmarshaler); ok && state != nil {
		if u.UnmarshalBinary(state) == nil {
			return
		}
	}
	d.h = nil
}

// Finish writes the digest to dst (argument 0) and returns 0.
func (d *Digest) Finish() Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		dst, err := Arg(c, 0)
		if err != nil {
			return false, err
		}
		d.mu.Lock()
		if d.h == nil {
			d.mu.Unlock()
			return false, errors.New("hash finish before init")
		}
		sum := d.h.Sum(nil)
		d.h = nil
		d.mu.Unlock()
		if err := c.MemWrite(dst, sum); err != nil {
			return false, errors.Wrapf(err, "hash finish write %#x", dst)
		}
		return ReturnFrom(c, 0)
	}
}

// Algo reports the algorithm selected by the last Init.
func (d *Digest) Algo() crypto.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.algo
}
