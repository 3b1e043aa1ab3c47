package sbfs

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
)

// BlockCache is the block-cache contract the core consumes from the host
// (spec §1: "out of scope... consumed only a block-cache contract"). A real
// kernel module gets this from the buffer cache; here it is the thin
// abstraction every component in this package is written against, so that
// FileDevice (below) and a test fake are interchangeable.
type BlockCache interface {
	// GetBlock pins and returns the contents of block bno. The caller must
	// call Release or Discard on the returned Buffer exactly once.
	GetBlock(bno uint32) (Buffer, error)

	// Sync flushes all dirty buffers. If wait, the flush is synchronous.
	Sync(wait bool) error

	// NrBlocks is the total number of BlockSize blocks on the device.
	NrBlocks() uint32
}

// Buffer is a pinned, latched view of one block's bytes (the "buffer_head"
// of spec §5's locking discipline: a block's on-disk bytes are protected by
// the host block-cache's per-buffer latch for the duration it is held).
type Buffer interface {
	// Bytes returns the block's BlockSize-byte contents. Mutations are
	// visible to later readers only after MarkDirty + Release.
	Bytes() []byte

	// MarkDirty flags the buffer to be written back on Release/Sync.
	MarkDirty()

	// Release unlatches the block, writing it back first if dirty.
	Release()

	// Discard unlatches the block without writing back any changes,
	// even if MarkDirty was called (used on rollback paths).
	Discard()
}

// FileDevice is a BlockCache backed by a regular file or block device,
// latched per-block with an in-process mutex. It is the host used by
// cmd/sbfsctl's volume commands, by cmd/sbfsd (and so the FUSE adapter),
// and by the tests; Format does not use it.
type FileDevice struct {
	f        *os.File
	path     string
	nrBlocks uint32

	latchesMu sync.Mutex
	latches   map[uint32]*sync.Mutex
}

// OpenFileDevice opens path as a block device, advisory-locking it until
// Close (spec's "no concurrent access to the same volume from multiple
// hosts" Non-goal enforced, not just documented).
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("sbfs: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("sbfs: %s is already mounted elsewhere: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	nr := uint32(fi.Size() / BlockSize)
	log.Printf("sbfs: opened device %s (%d blocks)", path, nr)
	return &FileDevice{
		f:        f,
		path:     path,
		nrBlocks: nr,
		latches:  make(map[uint32]*sync.Mutex),
	}, nil
}

func (d *FileDevice) NrBlocks() uint32 { return d.nrBlocks }

func (d *FileDevice) latchFor(bno uint32) *sync.Mutex {
	d.latchesMu.Lock()
	defer d.latchesMu.Unlock()
	l, ok := d.latches[bno]
	if !ok {
		l = &sync.Mutex{}
		d.latches[bno] = l
	}
	return l
}

func (d *FileDevice) GetBlock(bno uint32) (Buffer, error) {
	if bno >= d.nrBlocks {
		return nil, fmt.Errorf("sbfs: block %d out of range (%d total): %w", bno, d.nrBlocks, ErrIO)
	}
	latch := d.latchFor(bno)
	latch.Lock()

	buf := make([]byte, BlockSize)
	_, err := d.f.ReadAt(buf, int64(bno)*BlockSize)
	if err != nil && err != io.EOF {
		latch.Unlock()
		return nil, fmt.Errorf("sbfs: read block %d: %w", bno, ErrIO)
	}
	return &fileBuffer{dev: d, bno: bno, data: buf, latch: latch}, nil
}

// Sync fsyncs the backing file when wait is set and is a no-op otherwise.
// Dirty buffers are already written on Release, so this only forces them to
// stable storage. Superblock persistence (Volume.SyncFS in super.go) writes
// block 0 in place through GetBlock/Release; renameio is not involved.
func (d *FileDevice) Sync(wait bool) error {
	if !wait {
		return nil
	}
	return d.f.Sync()
}

func (d *FileDevice) Close() error {
	return d.f.Close()
}

type fileBuffer struct {
	dev   *FileDevice
	bno   uint32
	data  []byte
	dirty bool
	latch *sync.Mutex
}

func (b *fileBuffer) Bytes() []byte { return b.data }

func (b *fileBuffer) MarkDirty() { b.dirty = true }

func (b *fileBuffer) Release() {
	if b.dirty {
		if _, err := b.dev.f.WriteAt(b.data, int64(b.bno)*BlockSize); err != nil {
			log.Printf("sbfs: write block %d failed: %s", b.bno, err)
		}
	}
	b.latch.Unlock()
}

func (b *fileBuffer) Discard() {
	b.dirty = false
	b.latch.Unlock()
}

// atomicReplaceFile rewrites path's full contents atomically using renameio,
// so an interrupted rewrite never leaves a half-written file behind. Nothing
// in this module calls it: Format writes the image in place.
func atomicReplaceFile(path string, size int64, fill func(f io.WriterAt) error) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if err := t.Truncate(size); err != nil {
		return err
	}
	if err := fill(t); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
