package sbfs

import (
	"os"
	"path/filepath"
	"testing"
)

// mountTempVolume formats a fresh image of nrBlocks blocks in a temp file
// and mounts it, returning the Volume and a cleanup func. Grounded on the
// teacher's squashfs_test.go pattern of building a real filesystem image on
// disk rather than exercising Open against synthetic bytes alone.
func mountTempVolume(t *testing.T, nrBlocks int64) (*Volume, *FileDevice) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vol.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %s", err)
	}
	if err := f.Truncate(nrBlocks * BlockSize); err != nil {
		t.Fatalf("truncate image: %s", err)
	}
	f.Close()

	if err := Format(FormatOptions{Path: path}); err != nil {
		t.Fatalf("Format: %s", err)
	}

	dev, err := OpenFileDevice(path)
	if err != nil {
		t.Fatalf("OpenFileDevice: %s", err)
	}
	v, err := Mount(dev)
	if err != nil {
		dev.Close()
		t.Fatalf("Mount: %s", err)
	}
	return v, dev
}

func TestFormatThenMountRootDir(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()

	root, err := v.Iget(1, v.liveSnapshot())
	if err != nil {
		t.Fatalf("Iget(1): %s", err)
	}
	root.mu.Lock()
	mode, nlink := root.Mode, root.Nlink
	root.mu.Unlock()
	if mode&S_IFMT != S_IFDIR {
		t.Fatalf("root mode = %#o, want a directory", mode)
	}
	if nlink != 2 {
		t.Fatalf("root nlink = %d, want 2", nlink)
	}

	entries, err := v.readDirBlock(root.IndexBlock)
	if err != nil {
		t.Fatalf("readDirBlock: %s", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh root dir has %d entries, want 0", len(entries))
	}
}

func TestFormatTooSmallRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Truncate(10 * BlockSize)
	f.Close()

	if err := Format(FormatOptions{Path: path}); err == nil {
		t.Fatal("Format on a too-small image succeeded, want error")
	}
}

func TestStatFSReportsFreeCounters(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()

	st := v.StatFS()
	if st.Blocks != 512 {
		t.Fatalf("Blocks = %d, want 512", st.Blocks)
	}
	if st.BlockSize != BlockSize {
		t.Fatalf("BlockSize = %d, want %d", st.BlockSize, BlockSize)
	}
	if st.FilesFree == 0 || st.FilesFree >= st.Files {
		t.Fatalf("FilesFree = %d, want 0 < FilesFree < %d", st.FilesFree, st.Files)
	}
}
