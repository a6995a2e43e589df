package fs_test

import (
	"strconv"
	"testing"

	rfs "github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/ustr"
)

// TestIntegrity is spec.md S1: create, write, close, reopen read-only,
// read back exactly what was written, unlink, then confirm the file
// is gone.
func TestIntegrity(t *testing.T) {
	fsys := formatTestFS(t)
	name := ustr.MkUstrSlice([]byte("/foo"))
	payload := []byte("Hello, filesystem!")

	fsys.Log.Begin()
	ip, err := fsys.Create(name, nil, rfs.TypeFile, 0, 0)
	fsys.Log.End()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fsys.Log.Begin()
	n, err := fsys.Writei(ip, payload, 0, len(payload))
	fsys.Log.End()
	fsys.Iunlock(ip)
	fsys.Iput(ip)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	ip, err = fsys.Open(name, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := make([]byte, len(payload))
	n, err = fsys.Readi(ip, got, 0, len(got))
	fsys.Iunlock(ip)
	fsys.Iput(ip)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("read %q, want %q", got[:n], payload)
	}

	fsys.Log.Begin()
	err = fsys.Unlink(name, nil)
	fsys.Log.End()
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}

	if _, err := fsys.Open(name, nil); err == nil {
		t.Fatalf("foo still openable after unlink")
	}
}

// TestFSCrashAtCommitPoint is spec.md S2 at the filesystem level: a
// crash staged between the log header hitting disk and the install
// step still yields the file's data after recovery.
func TestFSCrashAtCommitPoint(t *testing.T) {
	fsys := formatTestFS(t)
	name := ustr.MkUstrSlice([]byte("/bar"))
	payload := []byte("journal-data")

	fsys.Log.CrashStage = 1
	fsys.Log.Begin()
	ip, err := fsys.Create(name, nil, rfs.TypeFile, 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fsys.Writei(ip, payload, 0, len(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	fsys.Iunlock(ip)
	fsys.Iput(ip)
	fsys.Log.End()

	fsys.Log.CrashStage = 0
	fsys.Log.ClearCache()
	fsys.Log.Recover()

	ip, err = fsys.Open(name, nil)
	if err != nil {
		t.Fatalf("reopen bar after recovery: %v", err)
	}
	got := make([]byte, len(payload))
	n, err := fsys.Readi(ip, got, 0, len(got))
	fsys.Iunlock(ip)
	fsys.Iput(ip)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != len(payload) || string(got) != string(payload) {
		t.Fatalf("read %q, want %q", got[:n], payload)
	}
}

// TestFSCrashBeforeCommit is spec.md S3: a crash staged before the log
// header is written leaves baz nonexistent after recovery.
func TestFSCrashBeforeCommit(t *testing.T) {
	fsys := formatTestFS(t)
	name := ustr.MkUstrSlice([]byte("/baz"))
	payload := []byte("journal-data")

	fsys.Log.CrashStage = 2
	fsys.Log.Begin()
	ip, err := fsys.Create(name, nil, rfs.TypeFile, 0, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := fsys.Writei(ip, payload, 0, len(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	fsys.Iunlock(ip)
	fsys.Iput(ip)
	fsys.Log.End()

	fsys.Log.CrashStage = 0
	fsys.Log.ClearCache()
	fsys.Log.Recover()

	if _, err := fsys.Open(name, nil); err == nil {
		t.Fatalf("baz exists after a crash staged before commit")
	}
}

// TestDirectoryUniqueness is spec.md invariant 6: dirlink fails if the
// name is already present in the directory.
func TestDirectoryUniqueness(t *testing.T) {
	fsys := formatTestFS(t)
	name := ustr.MkUstrSlice([]byte("/dup"))

	fsys.Log.Begin()
	ip, err := fsys.Create(name, nil, rfs.TypeFile, 0, 0)
	fsys.Log.End()
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fsys.Iunlock(ip)
	fsys.Iput(ip)

	root := fsys.Iget(0, rfs.RootInode)
	fsys.Ilock(root)
	err = fsys.Dirlink(root, ustr.MkUstrSlice([]byte("dup")), uint16(ip.Inum))
	fsys.Iunlock(root)
	fsys.Iput(root)
	if err == nil {
		t.Fatalf("dirlink of an already-present name succeeded")
	}
}

// TestPathResolverFixedPoint is spec.md invariant 7:
// namei("/a/b/../c") must resolve to the same inode as namei("/a/c")
// when both exist.
func TestPathResolverFixedPoint(t *testing.T) {
	fsys := formatTestFS(t)

	fsys.Log.Begin()
	a, err := fsys.Create(ustr.MkUstrSlice([]byte("/a")), nil, rfs.TypeDir, 0, 0)
	if err != nil {
		t.Fatalf("create /a: %v", err)
	}
	fsys.Iunlock(a)
	b, err := fsys.Create(ustr.MkUstrSlice([]byte("/a/b")), nil, rfs.TypeDir, 0, 0)
	if err != nil {
		t.Fatalf("create /a/b: %v", err)
	}
	fsys.Iunlock(b)
	c, err := fsys.Create(ustr.MkUstrSlice([]byte("/a/c")), nil, rfs.TypeFile, 0, 0)
	if err != nil {
		t.Fatalf("create /a/c: %v", err)
	}
	fsys.Iunlock(c)
	fsys.Iput(a)
	fsys.Iput(b)
	fsys.Iput(c)
	fsys.Log.End()

	viaDotDot, err := fsys.Open(ustr.MkUstrSlice([]byte("/a/b/../c")), nil)
	if err != nil {
		t.Fatalf("open /a/b/../c: %v", err)
	}
	direct, err := fsys.Open(ustr.MkUstrSlice([]byte("/a/c")), nil)
	if err != nil {
		t.Fatalf("open /a/c: %v", err)
	}
	if viaDotDot.Inum != direct.Inum {
		t.Fatalf("namei(/a/b/../c) = inode %d, namei(/a/c) = inode %d, want equal", viaDotDot.Inum, direct.Inum)
	}
	fsys.Iunlock(viaDotDot)
	fsys.Iput(viaDotDot)
	fsys.Iunlock(direct)
	fsys.Iput(direct)
}

// TestSymlinkDepthBound is spec.md invariant 8: resolving a path that
// traverses more than MaxSymlinkDepth (8) non-terminal symlink levels
// fails cleanly instead of recursing without bound. Each link in the
// chain targets the next by absolute path, and every resolution keeps
// a trailing component after it so namex treats it as non-terminal
// and follows it rather than returning it as-is.
func TestSymlinkDepthBound(t *testing.T) {
	fsys := formatTestFS(t)

	const chainLen = rfs.MaxSymlinkDepth + 4
	fsys.Log.Begin()
	for i := 0; i < chainLen; i++ {
		path := ustr.MkUstrSlice([]byte("/link" + strconv.Itoa(i)))
		target := ustr.MkUstrSlice([]byte("/link" + strconv.Itoa(i+1)))
		if err := fsys.Symlink(path, target, nil); err != nil {
			t.Fatalf("symlink link%d: %v", i, err)
		}
	}
	fsys.Log.End()

	_, err := fsys.Open(ustr.MkUstrSlice([]byte("/link0/tail")), nil)
	if err == nil {
		t.Fatalf("resolving a %d-level symlink chain succeeded, want a clean failure", chainLen)
	}
}
