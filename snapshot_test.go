package sbfs

import (
	"bytes"
	"context"
	"testing"
)

func TestSnapshotCreateListDelete(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()

	ctx := context.Background()
	id, err := v.SnapshotCreate(ctx, 0)
	if err != nil {
		t.Fatalf("SnapshotCreate: %s", err)
	}
	if id == 0 {
		t.Fatal("SnapshotCreate returned id 0")
	}

	buf := make([]byte, 4096)
	n := v.SnapshotList(buf)
	if n == 0 {
		t.Fatal("SnapshotList returned no data after create")
	}

	if err := v.SnapshotDelete(ctx, id); err != nil {
		t.Fatalf("SnapshotDelete: %s", err)
	}
	n = v.SnapshotList(buf)
	if n != 0 {
		t.Fatalf("SnapshotList after delete = %d bytes, want 0", n)
	}
}

func TestSnapshotCreateDuplicateIDRejected(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	ctx := context.Background()

	if _, err := v.SnapshotCreate(ctx, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := v.SnapshotCreate(ctx, 7); err == nil {
		t.Fatal("SnapshotCreate with a reused id succeeded, want error")
	}
}

// TestSnapshotPreservesContentAcrossWrite is the core CoW-snapshot property:
// once a snapshot has been taken, subsequent writes to the live view must
// not change the bytes visible through the earlier snapshot's inode-data
// entry.
func TestSnapshotPreservesContentAcrossWrite(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	ctx := context.Background()

	root, _ := v.Iget(1, v.liveSnapshot())
	child, err := v.Create(root, "f", S_IFREG|0644)
	if err != nil {
		t.Fatal(err)
	}
	original := []byte("original-content")
	if _, err := v.WriteAt(child, original, 0); err != nil {
		t.Fatal(err)
	}

	snapID, err := v.SnapshotCreate(ctx, 0)
	if err != nil {
		t.Fatalf("SnapshotCreate: %s", err)
	}

	// Mutate the live view after the snapshot was taken.
	if _, err := v.WriteAt(child, []byte("CHANGED-content!"), 0); err != nil {
		t.Fatal(err)
	}

	// The snapshot's own inode-data entry for this inode (slot found via
	// findSnapshotSlot) must still carry the pre-write index block/content.
	slot, err := v.findSnapshotSlot(snapID)
	if err != nil {
		t.Fatalf("findSnapshotSlot: %s", err)
	}
	h, err := v.getInodeData(child.Ino, uint32(slot), false, false)
	if err != nil {
		t.Fatalf("getInodeData(snapshot slot): %s", err)
	}
	snapIndexBlock := h.Entry.IndexBlock
	h.Discard()

	buf, err := v.dev.GetBlock(snapIndexBlock)
	if err != nil {
		t.Fatal(err)
	}
	buf.Discard()
	dataBno, err := v.readIndexEntry(snapIndexBlock, 0)
	if err != nil {
		t.Fatal(err)
	}
	dataBuf, err := v.dev.GetBlock(dataBno)
	if err != nil {
		t.Fatal(err)
	}
	defer dataBuf.Discard()

	if !bytes.HasPrefix(dataBuf.Bytes(), original) {
		t.Fatalf("snapshot content was mutated by a post-snapshot write")
	}
}

func TestSnapshotRestore(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	ctx := context.Background()

	root, _ := v.Iget(1, v.liveSnapshot())
	child, err := v.Create(root, "f", S_IFREG|0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.WriteAt(child, []byte("before"), 0); err != nil {
		t.Fatal(err)
	}
	snapID, err := v.SnapshotCreate(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Unlink(root, "f"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Lookup(root, "f"); err == nil {
		t.Fatal("f unexpectedly still present before restore")
	}

	if err := v.SnapshotRestore(ctx, snapID); err != nil {
		t.Fatalf("SnapshotRestore: %s", err)
	}

	ino, err := v.Lookup(root, "f")
	if err != nil {
		t.Fatalf("Lookup(f) after restore: %s", err)
	}
	restored, err := v.Iget(ino, v.liveSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 6)
	if _, err := v.ReadAt(restored, got, 0); err != nil {
		t.Fatal(err)
	}
	if string(got) != "before" {
		t.Fatalf("restored content = %q, want %q", got, "before")
	}
}
