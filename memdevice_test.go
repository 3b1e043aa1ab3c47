package sbfs

import "sync"

// memDevice is an in-memory BlockCache fake, good enough to drive the real
// logic without a backing file. The tests in this package mount temp-file
// images through mountTempVolume (mkfs_test.go) and do not use it.
type memDevice struct {
	mu     sync.Mutex
	blocks [][]byte
}

func newMemDevice(nrBlocks uint32) *memDevice {
	d := &memDevice{blocks: make([][]byte, nrBlocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BlockSize)
	}
	return d
}

func (d *memDevice) NrBlocks() uint32 { return uint32(len(d.blocks)) }

func (d *memDevice) GetBlock(bno uint32) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bno >= uint32(len(d.blocks)) {
		return nil, ErrIO
	}
	return &memBuffer{d: d, bno: bno, data: append([]byte(nil), d.blocks[bno]...)}, nil
}

func (d *memDevice) Sync(wait bool) error { return nil }

// memDeviceFromBytes loads a formatted image's bytes (as produced by Format) into a
// fresh memDevice, so mkfs-produced layouts can be exercised without ever
// touching a real file.
func memDeviceFromBytes(raw []byte) *memDevice {
	nr := uint32(len(raw)) / BlockSize
	d := newMemDevice(nr)
	for i := uint32(0); i < nr; i++ {
		copy(d.blocks[i], raw[i*BlockSize:(i+1)*BlockSize])
	}
	return d
}

type memBuffer struct {
	d     *memDevice
	bno   uint32
	data  []byte
	dirty bool
}

func (b *memBuffer) Bytes() []byte { return b.data }
func (b *memBuffer) MarkDirty()    { b.dirty = true }

func (b *memBuffer) Release() {
	if b.dirty {
		b.d.mu.Lock()
		copy(b.d.blocks[b.bno], b.data)
		b.d.mu.Unlock()
	}
}

func (b *memBuffer) Discard() {}
