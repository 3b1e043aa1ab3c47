package sbfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// FormatOptions controls Format's sizing; all fields except Path are
// computed automatically when zero.
type FormatOptions struct {
	Path string
}

// Format writes a freshly initialized volume to path (spec §6 "Format
// tool"). The destination must already exist and be at least 100*BlockSize
// bytes; its size determines nr_blocks. The image is written in place, not
// through the whole-file atomic-replace helper in device.go, since the path
// may be a block device.
func Format(opts FormatOptions) error {
	fi, err := os.Stat(opts.Path)
	if err != nil {
		return fmt.Errorf("sbfs: stat %s: %w", opts.Path, err)
	}
	nrBlocks := uint32(fi.Size() / BlockSize)
	if nrBlocks < 100 {
		return fmt.Errorf("sbfs: %s is too small (%d blocks, need >= 100): %w", opts.Path, nrBlocks, ErrInvalidArg)
	}

	f, err := os.OpenFile(opts.Path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("sbfs: open %s: %w", opts.Path, err)
	}
	defer f.Close()

	sb := &Superblock{
		Magic:              Magic,
		NrBlocks:           nrBlocks,
		NrInodes:           nrBlocks,
		NrInodeDataEntries: nrBlocks * MaxSnapshots,
	}
	sb.NrIstoreBlocks = ceilDiv(sb.NrInodes, InodesPerBlock)
	sb.NrIfreeBlocks = ceilDiv(sb.NrInodes, BlockSize*8)
	sb.NrBfreeBlocks = ceilDiv(sb.NrBlocks, BlockSize*8)
	sb.NrIdfreeBlocks = ceilDiv(sb.NrInodeDataEntries, BlockSize*8)
	sb.NrIdidxBlocks = ceilDiv(sb.NrInodeDataEntries, idePerIdidxBlock)

	// meta region size depends on the number of data blocks, which depends
	// on every region size above it including meta itself; one fixed-point
	// iteration converges immediately since growing nr_meta_blocks by one
	// shrinks the data region by one block, a second-order effect on a
	// ceiling division already rounding in meta's favor.
	regions := deriveRegions(sb)
	sb.NrMetaBlocks = ceilDiv(sb.NrBlocks-regions.MetaStart, BlockSize+1)
	regions = deriveRegions(sb)

	if regions.DataStart+1 >= nrBlocks {
		return fmt.Errorf("sbfs: %s too small to hold metadata regions: %w", opts.Path, ErrInvalidArg)
	}

	rootDirBlock := regions.DataStart
	rootDataBlockForIdx1 := regions.DataStart + 1

	// Bit 0 of every bitmap is reserved by NewBitmap itself without
	// touching the free counter, so each domain starts "all free except
	// bit 0"; writeBitmaps below decrements the counters further as it
	// marks each additional reserved id used.
	sb.NrFreeInodes = sb.NrInodes - 1
	sb.NrFreeBlocks = sb.NrBlocks - 1
	sb.NrFreeInodeDataEntries = sb.NrInodeDataEntries - 1

	log.Printf("sbfs: mkfs %s: %d blocks, %d inodes, data starts at %d", opts.Path, nrBlocks, sb.NrInodes, regions.DataStart)

	if err := writeInodeStore(f, sb, regions); err != nil {
		return err
	}
	if err := writeBitmaps(f, sb, regions); err != nil {
		return err
	}
	if err := writeIdidx(f, regions, rootDataBlockForIdx1); err != nil {
		return err
	}
	if err := writeMeta(f, sb, regions, rootDirBlock, rootDataBlockForIdx1); err != nil {
		return err
	}
	if err := writeRootDir(f, rootDirBlock); err != nil {
		return err
	}
	if err := writeRootInodeData(f, regions, rootDataBlockForIdx1); err != nil {
		return err
	}
	// Written last, once writeBitmaps has finalized the free counters.
	if err := writeSuperblock(f, sb); err != nil {
		return err
	}

	return f.Sync()
}

func writeBlockAt(f io.WriterAt, bno uint32, data []byte) error {
	buf := make([]byte, BlockSize)
	copy(buf, data)
	_, err := f.WriteAt(buf, int64(bno)*BlockSize)
	return err
}

func writeSuperblock(f io.WriterAt, sb *Superblock) error {
	data, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	return writeBlockAt(f, SuperblockNum, data)
}

// writeInodeStore zeroes every inode-store block except the one holding
// inode 1, whose i_data[0] is set to idx 1 (spec §6: "inode 1 (the root)
// has i_data[0] = 1 and all other slots zero").
func writeInodeStore(f io.WriterAt, sb *Superblock, r Regions) error {
	for b := uint32(0); b < sb.NrIstoreBlocks; b++ {
		if err := writeBlockAt(f, r.IStoreStart+b, nil); err != nil {
			return err
		}
	}
	rootBlock := r.InodeBlock(1)
	buf := make([]byte, BlockSize)
	off := r.InodeShift(1) * inodeRecordSize
	buf[off] = 1 // i_data[0] = 1, little-endian
	if _, err := f.WriteAt(buf, int64(rootBlock)*BlockSize); err != nil {
		return err
	}
	return nil
}

// writeBitmaps writes ifree/bfree/idfree with their reserved initial bits
// cleared: inode 0 and 1, idx 0 and 1, and every block below data_start
// plus the two data blocks the root directory uses.
func writeBitmaps(f io.WriterAt, sb *Superblock, r Regions) error {
	ifree := NewBitmap(sb.NrInodes, &sb.NrFreeInodes)
	clearBitmapID(ifree, 1)
	if err := writeBitmapRegion(f, ifree, r.IFreeStart, sb.NrIfreeBlocks); err != nil {
		return err
	}

	bfree := NewBitmap(sb.NrBlocks, &sb.NrFreeBlocks)
	for b := uint32(1); b < r.DataStart+2; b++ {
		clearBitmapID(bfree, b)
	}
	if err := writeBitmapRegion(f, bfree, r.BFreeStart, sb.NrBfreeBlocks); err != nil {
		return err
	}

	idfree := NewBitmap(sb.NrInodeDataEntries, &sb.NrFreeInodeDataEntries)
	clearBitmapID(idfree, 1)
	return writeBitmapRegion(f, idfree, r.IDFreeStart, sb.NrIdfreeBlocks)
}

// clearBitmapID marks id used on a freshly constructed Bitmap, bypassing
// the locked Alloc/Free API since mkfs runs single-threaded against a
// bitmap that hasn't been attached to a Volume yet.
func clearBitmapID(b *Bitmap, id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bitSet(id) {
		b.clearBit(id)
		*b.nfree--
	}
}

func writeBitmapRegion(f io.WriterAt, b *Bitmap, start, nrBlocks uint32) error {
	raw := b.Bytes()
	for i := uint32(0); i < nrBlocks; i++ {
		lo, hi := int(i)*BlockSize, int(i+1)*BlockSize
		if hi > len(raw) {
			hi = len(raw)
		}
		chunk := make([]byte, BlockSize)
		copy(chunk, raw[lo:hi])
		if _, err := f.WriteAt(chunk, int64(start+i)*BlockSize); err != nil {
			return err
		}
	}
	return nil
}

// writeIdidx zeroes the ididx region then points idx 1's slot at dataBno
// (spec §6: "entry 0 maps idx 1 onto the second data block").
func writeIdidx(f io.WriterAt, r Regions, dataBno uint32) error {
	nrBlocks := r.MetaStart - r.IdidxStart
	for b := uint32(0); b < nrBlocks; b++ {
		if err := writeBlockAt(f, r.IdidxStart+b, nil); err != nil {
			return err
		}
	}
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], dataBno)
	_, err := f.WriteAt(buf, int64(r.IdidxBlock(1))*BlockSize)
	return err
}

// writeMeta zeroes the metadata region then sets the root directory block
// and the root inode-data block's refcounts to 1. The two may land in the
// same metadata block, so both bits are set in a single pass per block
// rather than overwriting one with the other.
func writeMeta(f io.WriterAt, sb *Superblock, r Regions, dirBno, idataBno uint32) error {
	for b := uint32(0); b < sb.NrMetaBlocks; b++ {
		if err := writeBlockAt(f, r.MetaStart+b, nil); err != nil {
			return err
		}
	}

	touched := map[uint32][]uint32{}
	for _, bno := range []uint32{dirBno, idataBno} {
		mb := r.MetaBlock(bno)
		touched[mb] = append(touched[mb], bno)
	}
	for mb, bnos := range touched {
		buf := make([]byte, BlockSize)
		for _, bno := range bnos {
			buf[r.MetaShift(bno)] = 1
		}
		if _, err := f.WriteAt(buf, int64(mb)*BlockSize); err != nil {
			return err
		}
	}
	return nil
}

func writeRootDir(f io.WriterAt, bno uint32) error {
	return writeBlockAt(f, bno, nil)
}

// writeRootInodeData writes the root directory's inode-data record at idx
// 1, record index 1 of its backing block (entryOffset(1)): mode
// S_IFDIR|0775, size = B, nlink = 2, index_block = the root directory
// block, refcount = 1 (spec §6).
func writeRootInodeData(f io.WriterAt, r Regions, bno uint32) error {
	buf := make([]byte, BlockSize)
	now := time.Now()
	e := InodeDataEntry{
		Mode:       S_IFDIR | 0775,
		Size:       BlockSize,
		CtimeSec:   uint32(now.Unix()),
		AtimeSec:   uint32(now.Unix()),
		MtimeSec:   uint32(now.Unix()),
		Blocks:     2,
		Nlink:      2,
		IndexBlock: r.DataStart,
		Refcount:   1,
	}
	off := entryOffset(1)
	e.encodeInto(buf[off : off+inodeDataRecordSize])
	_, err := f.WriteAt(buf, int64(bno)*BlockSize)
	return err
}
