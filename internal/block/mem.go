package block

import "github.com/gofatfs/gofat/checkpoint"

// MemContainer is an in-memory Container, used by tests and by callers that
// build a volume entirely in RAM before flushing it to a real backing store.
type MemContainer struct {
	buf        []byte
	mode       Mode
	sectorSize int
}

// NewMemContainer allocates size bytes of zeroed backing storage.
func NewMemContainer(size int64, sectorSize int, mode Mode) *MemContainer {
	if sectorSize == 0 {
		sectorSize = 512
	}
	return &MemContainer{
		buf:        make([]byte, size),
		mode:       mode,
		sectorSize: sectorSize,
	}
}

func (m *MemContainer) ReadAt(p []byte, off int64) (int, error) {
	if err := checkAligned(off, int64(len(p)), m.sectorSize, int64(len(m.buf))); err != nil {
		return 0, checkpoint.Wrap(err, ErrOutOfRange)
	}
	return copy(p, m.buf[off:off+int64(len(p))]), nil
}

func (m *MemContainer) WriteAt(p []byte, off int64) (int, error) {
	if m.mode != ReadWrite {
		return 0, checkpoint.Wrap(ErrReadOnly, ErrOutOfRange)
	}
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	if err := checkAligned(off, int64(len(p)), m.sectorSize, -1); err != nil {
		return 0, checkpoint.Wrap(err, ErrOutOfRange)
	}
	return copy(m.buf[off:end], p), nil
}

func (m *MemContainer) Size() int64     { return int64(len(m.buf)) }
func (m *MemContainer) SectorSize() int { return m.sectorSize }
func (m *MemContainer) Flush() error    { return nil }
func (m *MemContainer) Close() error    { return nil }

// Bytes exposes the underlying buffer, mainly for tests asserting on the
// final on-disk image.
func (m *MemContainer) Bytes() []byte { return m.buf }
