package sbfs

import (
	"bytes"
	"testing"
)

func TestCreateWriteReadFile(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()

	root, err := v.Iget(1, v.liveSnapshot())
	if err != nil {
		t.Fatal(err)
	}

	child, err := v.Create(root, "hello.txt", S_IFREG|0644)
	if err != nil {
		t.Fatalf("Create: %s", err)
	}

	data := bytes.Repeat([]byte("abc"), 1000)
	n, err := v.WriteAt(child, data, 0)
	if err != nil {
		t.Fatalf("WriteAt: %s", err)
	}
	if n != len(data) {
		t.Fatalf("WriteAt wrote %d bytes, want %d", n, len(data))
	}

	got := make([]byte, len(data))
	n, err = v.ReadAt(child, got, 0)
	if err != nil {
		t.Fatalf("ReadAt: %s", err)
	}
	if n != len(data) || !bytes.Equal(got, data) {
		t.Fatalf("ReadAt returned mismatched data (n=%d)", n)
	}

	ino, err := v.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("Lookup: %s", err)
	}
	if ino != child.Ino {
		t.Fatalf("Lookup returned %d, want %d", ino, child.Ino)
	}
}

func TestCreateDuplicateNameFails(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())

	if _, err := v.Create(root, "a", S_IFREG|0644); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Create(root, "a", S_IFREG|0644); err == nil {
		t.Fatal("duplicate Create succeeded, want ErrExist")
	}
}

func TestMkdirRmdir(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())

	sub, err := v.Mkdir(root, "sub", 0755)
	if err != nil {
		t.Fatalf("Mkdir: %s", err)
	}
	if sub.Mode&S_IFMT != S_IFDIR {
		t.Fatalf("sub mode = %#o, want a directory", sub.Mode)
	}

	if err := v.Rmdir(root, "sub"); err != nil {
		t.Fatalf("Rmdir on empty dir: %s", err)
	}
	if _, err := v.Lookup(root, "sub"); err == nil {
		t.Fatal("sub still resolvable after Rmdir")
	}
}

func TestRmdirNonEmptyFails(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())

	sub, err := v.Mkdir(root, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Create(sub, "f", S_IFREG|0644); err != nil {
		t.Fatal(err)
	}
	if err := v.Rmdir(root, "sub"); err == nil {
		t.Fatal("Rmdir on non-empty dir succeeded, want ErrNotEmpty")
	}
}

func TestUnlinkFreesDataBlocks(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())
	freeBefore := v.StatFS().BlocksFree

	child, err := v.Create(root, "f", S_IFREG|0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.WriteAt(child, []byte("data"), 0); err != nil {
		t.Fatal(err)
	}

	if err := v.Unlink(root, "f"); err != nil {
		t.Fatalf("Unlink: %s", err)
	}
	if _, err := v.Lookup(root, "f"); err == nil {
		t.Fatal("f still resolvable after Unlink")
	}
	if got := v.StatFS().BlocksFree; got != freeBefore {
		t.Fatalf("free blocks after Unlink = %d, want %d", got, freeBefore)
	}
}

func TestRenameSameDir(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())

	child, err := v.Create(root, "old", S_IFREG|0644)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Rename(root, "old", root, "new", 0); err != nil {
		t.Fatalf("Rename: %s", err)
	}
	if _, err := v.Lookup(root, "old"); err == nil {
		t.Fatal("old name still resolvable after rename")
	}
	ino, err := v.Lookup(root, "new")
	if err != nil || ino != child.Ino {
		t.Fatalf("Lookup(new) = (%d, %v), want (%d, nil)", ino, err, child.Ino)
	}
}

func TestRenameAcrossDirs(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())

	sub, err := v.Mkdir(root, "sub", 0755)
	if err != nil {
		t.Fatal(err)
	}
	child, err := v.Create(root, "f", S_IFREG|0644)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Rename(root, "f", sub, "f", 0); err != nil {
		t.Fatalf("Rename across dirs: %s", err)
	}
	if _, err := v.Lookup(root, "f"); err == nil {
		t.Fatal("f still in root after cross-dir rename")
	}
	ino, err := v.Lookup(sub, "f")
	if err != nil || ino != child.Ino {
		t.Fatalf("Lookup(sub/f) = (%d, %v), want (%d, nil)", ino, err, child.Ino)
	}
}

func TestRenameExchangeNotSupported(t *testing.T) {
	v, dev := mountTempVolume(t, 512)
	defer dev.Close()
	root, _ := v.Iget(1, v.liveSnapshot())

	v.Create(root, "a", S_IFREG|0644)
	v.Create(root, "b", S_IFREG|0644)
	if err := v.Rename(root, "a", root, "b", RenameExchange); err == nil {
		t.Fatal("RenameExchange succeeded, want ErrNotSupported")
	}
}
