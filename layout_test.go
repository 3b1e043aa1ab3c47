package sbfs

import "testing"

func TestDeriveRegionsOrdering(t *testing.T) {
	sb := &Superblock{
		NrIstoreBlocks: 10,
		NrIfreeBlocks:  1,
		NrBfreeBlocks:  2,
		NrIdfreeBlocks: 3,
		NrIdidxBlocks:  4,
		NrMetaBlocks:   5,
	}
	r := deriveRegions(sb)

	if r.IStoreStart != 1 {
		t.Fatalf("IStoreStart = %d, want 1", r.IStoreStart)
	}
	if r.IFreeStart != 11 {
		t.Fatalf("IFreeStart = %d, want 11", r.IFreeStart)
	}
	if r.BFreeStart != 12 {
		t.Fatalf("BFreeStart = %d, want 12", r.BFreeStart)
	}
	if r.IDFreeStart != 14 {
		t.Fatalf("IDFreeStart = %d, want 14", r.IDFreeStart)
	}
	if r.IdidxStart != 17 {
		t.Fatalf("IdidxStart = %d, want 17", r.IdidxStart)
	}
	if r.MetaStart != 21 {
		t.Fatalf("MetaStart = %d, want 21", r.MetaStart)
	}
	if r.DataStart != 26 {
		t.Fatalf("DataStart = %d, want 26", r.DataStart)
	}
}

func TestInodeBlockShiftRoundTrip(t *testing.T) {
	r := Regions{IStoreStart: 1}
	for ino := uint32(1); ino < uint32(InodesPerBlock)*3; ino++ {
		blk := r.InodeBlock(ino)
		shift := r.InodeShift(ino)
		if shift >= InodesPerBlock {
			t.Fatalf("ino %d: shift %d out of range", ino, shift)
		}
		// Block and shift must reconstruct the original inode number as
		// (block-IStoreStart)*InodesPerBlock+shift.
		reconstructed := (blk-r.IStoreStart)*InodesPerBlock + shift
		if reconstructed != ino {
			t.Fatalf("ino %d: block/shift does not round-trip (got %d)", ino, reconstructed)
		}
	}
}

func TestMetaBlockShiftRoundTrip(t *testing.T) {
	r := Regions{DataStart: 100, MetaStart: 1}
	for _, bno := range []uint32{100, 101, 4195, 4196} {
		mb := r.MetaBlock(bno)
		shift := r.MetaShift(bno)
		if shift >= BlockSize {
			t.Fatalf("bno %d: shift %d out of range", bno, shift)
		}
		reconstructed := r.DataStart + (mb-r.MetaStart)*BlockSize + shift
		if reconstructed != bno {
			t.Fatalf("bno %d: meta block/shift does not round-trip (got %d)", bno, reconstructed)
		}
	}
}
