package sbfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// SnapshotInfo is one entry of the superblock's fixed-capacity snapshot
// table (spec §3). Slot 0 is reserved for the live view; id == 0 marks an
// empty slot.
type SnapshotInfo struct {
	Created int64 // creation time, unix seconds
	ID      uint32
}

// Superblock is the on-disk record stored in block 0 (spec §3). Unlike the
// teacher's squashfs Superblock, which mixed on-disk fields with runtime
// state (fs io.ReaderAt, order binary.ByteOrder) and so needed a
// reflect-driven per-field decode, every field here is plain on-disk data;
// runtime state lives in Volume instead, so marshaling is one binary.Write.
type Superblock struct {
	Magic uint32

	NrBlocks uint32
	NrInodes uint32

	NrIstoreBlocks uint32
	NrIfreeBlocks  uint32
	NrBfreeBlocks  uint32
	NrIdfreeBlocks uint32
	NrIdidxBlocks  uint32
	NrMetaBlocks   uint32

	NrFreeInodes           uint32
	NrFreeBlocks           uint32
	NrInodeDataEntries     uint32
	NrFreeInodeDataEntries uint32

	Snapshots [MaxSnapshots]SnapshotInfo
}

// MarshalBinary serializes the superblock to its fixed BlockSize on-disk
// representation.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, sb); err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// UnmarshalBinary parses a superblock out of a BlockSize buffer.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, sb); err != nil {
		return err
	}
	if sb.Magic != Magic {
		return ErrInvalidSuper
	}
	return nil
}

// LiveSnapshotID returns the id stored in the live view's slot. Slot 0 is
// identified positionally, not by this id; the id is only stamped on
// in-memory inodes (Inode.SnapshotID) for Iget's staleness check.
func (sb *Superblock) LiveSnapshotID() uint32 { return sb.Snapshots[0].ID }

// Volume is a mounted instance: the superblock, the three bitmaps, derived
// region offsets, the backing block-cache, and the inode cache (spec §4.7,
// §5). It is the receiver for every core operation in this package.
type Volume struct {
	dev     BlockCache
	sb      *Superblock
	regions Regions

	ifree *Bitmap
	bfree *Bitmap
	idf   *Bitmap

	sbMu sync.Mutex // guards sb.Snapshots and the free counters during sync

	inodes InodeCache

	sessionID string

	// freezeMu is held for read by every inode/data-mutating operation and
	// for write by the snapshot engine, giving create/delete/restore an
	// exclusive view of a quiesced volume (spec §4.6 freeze/thaw contract).
	freezeMu sync.RWMutex
}

// Mount performs fill_super (spec §4.7): reads block 0, validates the
// magic, loads the three bitmaps, derives region offsets, and resolves the
// root inode.
func Mount(dev BlockCache) (*Volume, error) {
	sbBuf, err := dev.GetBlock(SuperblockNum)
	if err != nil {
		return nil, fmt.Errorf("sbfs: read superblock: %w", ErrIO)
	}
	sb := &Superblock{}
	err = sb.UnmarshalBinary(sbBuf.Bytes())
	sbBuf.Discard()
	if err != nil {
		return nil, err
	}

	v := &Volume{
		dev:       dev,
		sb:        sb,
		regions:   deriveRegions(sb),
		inodes:    newInodeCache(),
		sessionID: uuid.NewString(),
	}

	if v.ifree, err = v.loadBitmap(v.regions.IFreeStart, sb.NrIfreeBlocks, sb.NrInodes, &sb.NrFreeInodes); err != nil {
		return nil, err
	}
	if v.bfree, err = v.loadBitmap(v.regions.BFreeStart, sb.NrBfreeBlocks, sb.NrBlocks, &sb.NrFreeBlocks); err != nil {
		return nil, err
	}
	if v.idf, err = v.loadBitmap(v.regions.IDFreeStart, sb.NrIdfreeBlocks, sb.NrInodeDataEntries, &sb.NrFreeInodeDataEntries); err != nil {
		return nil, err
	}

	root, err := v.Iget(1, v.sb.LiveSnapshotID())
	if err != nil {
		return nil, fmt.Errorf("sbfs: load root inode: %w", err)
	}
	if root.Mode&S_IFMT != S_IFDIR {
		return nil, ErrNotDirectory
	}

	log.Printf("sbfs: mounted volume session=%s blocks=%d inodes=%d free_blocks=%d free_inodes=%d",
		v.sessionID, sb.NrBlocks, sb.NrInodes, sb.NrFreeBlocks, sb.NrFreeInodes)
	return v, nil
}

func (v *Volume) loadBitmap(start, nrBlocks, domain uint32, counter *uint32) (*Bitmap, error) {
	raw := make([]byte, 0, int(nrBlocks)*BlockSize)
	for i := uint32(0); i < nrBlocks; i++ {
		b, err := v.dev.GetBlock(start + i)
		if err != nil {
			return nil, fmt.Errorf("sbfs: load bitmap block %d: %w", start+i, ErrIO)
		}
		raw = append(raw, b.Bytes()...)
		b.Discard()
	}
	return LoadBitmap(domain, counter, raw), nil
}

// SyncFS persists the superblock (counters + snapshot table) and the three
// bitmaps back to disk (spec §4.7 sync_fs). If wait, the device flush is
// synchronous.
func (v *Volume) SyncFS(wait bool) error {
	v.sbMu.Lock()
	defer v.sbMu.Unlock()

	sbBuf, err := v.dev.GetBlock(SuperblockNum)
	if err != nil {
		return fmt.Errorf("sbfs: sync superblock: %w", ErrIO)
	}
	encoded, err := v.sb.MarshalBinary()
	if err != nil {
		sbBuf.Discard()
		return err
	}
	copy(sbBuf.Bytes(), encoded)
	sbBuf.MarkDirty()
	sbBuf.Release()

	if err := v.syncBitmap(v.ifree, v.regions.IFreeStart, v.sb.NrIfreeBlocks); err != nil {
		return err
	}
	if err := v.syncBitmap(v.bfree, v.regions.BFreeStart, v.sb.NrBfreeBlocks); err != nil {
		return err
	}
	if err := v.syncBitmap(v.idf, v.regions.IDFreeStart, v.sb.NrIdfreeBlocks); err != nil {
		return err
	}

	return v.dev.Sync(wait)
}

func (v *Volume) syncBitmap(bm *Bitmap, start, nrBlocks uint32) error {
	raw := bm.Bytes()
	for i := uint32(0); i < nrBlocks; i++ {
		b, err := v.dev.GetBlock(start + i)
		if err != nil {
			return fmt.Errorf("sbfs: sync bitmap block %d: %w", start+i, ErrIO)
		}
		lo, hi := int(i)*BlockSize, int(i+1)*BlockSize
		if hi > len(raw) {
			hi = len(raw)
		}
		copy(b.Bytes(), raw[lo:hi])
		b.MarkDirty()
		b.Release()
	}
	return nil
}

// StatFS reports volume-wide capacity figures (spec §4.7 statfs; field
// mapping follows the original driver's ouichefs_statfs).
type StatFS struct {
	BlockSize   uint32
	Blocks      uint32
	BlocksFree  uint32
	BlocksAvail uint32
	Files       uint32
	FilesFree   uint32
	NameLen     uint32
}

func (v *Volume) StatFS() StatFS {
	v.sbMu.Lock()
	defer v.sbMu.Unlock()
	return StatFS{
		BlockSize:   BlockSize,
		Blocks:      v.sb.NrBlocks,
		BlocksFree:  v.sb.NrFreeBlocks,
		BlocksAvail: v.sb.NrFreeBlocks,
		Files:       v.sb.NrInodes,
		FilesFree:   v.sb.NrFreeInodes,
		NameLen:     FilenameLen,
	}
}

// PutSuper releases the mount's in-memory state (spec §4.7 put_super). The
// caller is expected to have already called SyncFS if persisting pending
// changes is desired.
func (v *Volume) PutSuper() error {
	log.Printf("sbfs: unmounting volume session=%s", v.sessionID)
	v.inodes.Clear()
	return nil
}
