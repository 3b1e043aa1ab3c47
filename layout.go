package sbfs

// layout.go describes the on-disk regions of a volume and derives block
// offsets from the superblock's region-size counters (spec §3).
//
//	[ SB | inode_store | ifree | bfree | idfree | ididx | meta | data ]

const (
	// BlockSize is the fixed block size of a volume, in bytes.
	BlockSize = 4096

	// Magic identifies a volume's superblock (little-endian on disk).
	Magic uint32 = 0x48434957

	// SuperblockNum is the block number of the superblock.
	SuperblockNum uint32 = 0

	// B32 is the number of 32-bit values that fit in one block. It bounds
	// the span of a file index block and of an ididx block.
	B32 = BlockSize / 4

	// MaxSnapshots (S) is the fixed capacity of the snapshot table. Slot 0
	// is reserved for the live view.
	MaxSnapshots = 32

	// FilenameLen is the maximum length, in bytes, of a directory entry name.
	FilenameLen = 28

	// MaxSubfiles is the maximum number of entries a directory block holds.
	MaxSubfiles = 128

	// MaxFileSize is the largest file size representable by a single index
	// block: B32 data blocks of BlockSize bytes each.
	MaxFileSize = int64(B32) * BlockSize

	// inodeRecordSize is sizeof(inode) on disk: MaxSnapshots uint32 idx slots.
	inodeRecordSize = MaxSnapshots * 4

	// inodeDataRecordSize is sizeof(inode_data) on disk (packed, no padding):
	// 13 uint32 fields + 1 byte refcount = 53 bytes.
	inodeDataRecordSize = 13*4 + 1

	// dirEntrySize is sizeof({ino uint32, name [28]byte}).
	dirEntrySize = 4 + FilenameLen
)

// InodesPerBlock is the number of packed inode records per inode-store block.
const InodesPerBlock = BlockSize / inodeRecordSize

// IDE is the number of packed inode-data records per data block (the
// capacity of one inode-data-carrier block).
const IDE = BlockSize / inodeDataRecordSize

// idePerIdidxBlock is the number of inode-data entries one ididx block can
// address: each of its B32 slots backs one data block of IDE entries.
const idePerIdidxBlock = IDE * B32

// Regions describes the block ranges of a formatted volume, derived once
// from the superblock counters at mount time (spec §3, §4.7).
type Regions struct {
	IStoreStart uint32
	IFreeStart  uint32
	BFreeStart  uint32
	IDFreeStart uint32
	IdidxStart  uint32
	MetaStart   uint32
	DataStart   uint32
}

// ceilDiv returns ceil(a/b) for positive a, b.
func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// deriveRegions computes region offsets from the superblock's region-size
// counters. It performs no I/O; it is pure arithmetic over counters that
// either came off disk (mount) or were just computed (format).
func deriveRegions(sb *Superblock) Regions {
	var r Regions
	r.IStoreStart = SuperblockNum + 1
	r.IFreeStart = r.IStoreStart + sb.NrIstoreBlocks
	r.BFreeStart = r.IFreeStart + sb.NrIfreeBlocks
	r.IDFreeStart = r.BFreeStart + sb.NrBfreeBlocks
	r.IdidxStart = r.IDFreeStart + sb.NrIdfreeBlocks
	r.MetaStart = r.IdidxStart + sb.NrIdidxBlocks
	r.DataStart = r.MetaStart + sb.NrMetaBlocks
	return r
}

// InodeBlock returns the inode-store block number holding ino's record.
func (r Regions) InodeBlock(ino uint32) uint32 {
	return r.IStoreStart + (ino / InodesPerBlock)
}

// InodeShift returns ino's record index within its inode-store block.
func (r Regions) InodeShift(ino uint32) uint32 {
	return ino % InodesPerBlock
}

// IdidxBlock returns the ididx block number that addresses idx.
func (r Regions) IdidxBlock(idx uint32) uint32 {
	return r.IdidxStart + idx/idePerIdidxBlock
}

// IdidxIndex returns idx's slot within its ididx block.
func (r Regions) IdidxIndex(idx uint32) uint32 {
	return (idx % idePerIdidxBlock) / IDE
}

// IdidxShift returns idx's record index within the inode-data block it maps to.
func (r Regions) IdidxShift(idx uint32) uint32 {
	return idx % IDE
}

// MetaBlock returns the metadata block carrying bno's refcount byte.
// Equivalent to spec §3's ididx_start + nr_ididx_blocks + ... once
// nr_ididx_blocks has been folded into MetaStart.
func (r Regions) MetaBlock(bno uint32) uint32 {
	return r.MetaStart + (bno-r.DataStart)/BlockSize
}

// MetaShift returns bno's byte offset within its metadata block.
func (r Regions) MetaShift(bno uint32) uint32 {
	return (bno - r.DataStart) % BlockSize
}
