package fs

import (
	"github.com/Jiadong-W/riscv-os/stat"
	"github.com/Jiadong-W/riscv-os/ustr"
)

// Create resolves path's parent, allocates a new inode of typ (major,
// minor meaningful only for TypeDevice), links it into the parent
// under the final path component, and returns it locked with refcnt
// held by the caller. The whole operation must run inside an already
// open transaction (the syscall layer's open/mknod/mkdir wrappers
// begin one before calling this).
func (f *FS) Create(path ustr.Ustr, cwd *Inode, typ int16, major, minor int16) (*Inode, error) {
	dp, name, err := f.Namex(path, cwd, true)
	if err != nil {
		return nil, err
	}
	f.Ilock(dp)
	if dp.Type != TypeDir {
		f.Iunlock(dp)
		f.Iput(dp)
		return nil, fsError("fs: not a directory")
	}
	if existing, _, ok := f.Dirlookup(dp, name); ok {
		f.Iunlock(dp)
		f.Iput(dp)
		f.Ilock(existing)
		if typ == TypeFile && existing.Type == TypeFile {
			return existing, nil
		}
		f.Iunlock(existing)
		f.Iput(existing)
		return nil, fsError("fs: file exists")
	}

	ip, err := f.Ialloc(typ)
	if err != nil {
		f.Iunlock(dp)
		f.Iput(dp)
		return nil, err
	}
	f.Ilock(ip)
	ip.Major, ip.Minor, ip.Nlink = major, minor, 1
	f.Iupdate(ip)

	if typ == TypeDir {
		dp.Nlink++
		f.Iupdate(dp)
		if err := f.Dirlink(ip, ustr.MkUstrDot(), uint16(ip.Inum)); err != nil {
			panic(err)
		}
		if err := f.Dirlink(ip, ustr.DotDot, uint16(dp.Inum)); err != nil {
			panic(err)
		}
	}
	if err := f.Dirlink(dp, name, uint16(ip.Inum)); err != nil {
		panic(err)
	}
	f.Iunlock(dp)
	f.Iput(dp)
	return ip, nil
}

// Open resolves path to a locked, referenced inode.
func (f *FS) Open(path ustr.Ustr, cwd *Inode) (*Inode, error) {
	ip, _, err := f.Namex(path, cwd, false)
	if err != nil {
		return nil, err
	}
	f.Ilock(ip)
	return ip, nil
}

// Unlink removes path's directory entry and drops the target's link
// count, freeing it once both refcnt and nlink reach zero (inside
// Iput). Directories may only be unlinked when empty (besides "." and
// "..").
func (f *FS) Unlink(path ustr.Ustr, cwd *Inode) error {
	dp, name, err := f.Namex(path, cwd, true)
	if err != nil {
		return err
	}
	f.Ilock(dp)
	if name.Isdot() || name.Isdotdot() {
		f.Iunlock(dp)
		f.Iput(dp)
		return fsError("fs: cannot unlink . or ..")
	}
	ip, off, ok := f.Dirlookup(dp, name)
	if !ok {
		f.Iunlock(dp)
		f.Iput(dp)
		return fsError("fs: no such file or directory")
	}
	f.Ilock(ip)
	if ip.Type == TypeDir && !f.Isdirempty(ip) {
		f.Iunlock(ip)
		f.Iput(ip)
		f.Iunlock(dp)
		f.Iput(dp)
		return fsError("fs: directory not empty")
	}
	if err := f.Dirunlink(dp, off); err != nil {
		f.Iunlock(ip)
		f.Iput(ip)
		f.Iunlock(dp)
		f.Iput(dp)
		return err
	}
	if ip.Type == TypeDir {
		dp.Nlink--
		f.Iupdate(dp)
	}
	f.Iunlock(dp)
	f.Iput(dp)

	ip.Nlink--
	f.Iupdate(ip)
	f.Iunlock(ip)
	f.Iput(ip)
	return nil
}

// Rename moves the entry at oldpath to newpath, both resolved relative
// to cwd. It is implemented as dirlink(new)+unlink(old), which is only
// atomic within the surrounding transaction, matching what the teacher's
// Ufs_t.Rename documents as its own limitation.
func (f *FS) Rename(oldpath, newpath ustr.Ustr, cwd *Inode) error {
	ip, err := f.Open(oldpath, cwd)
	if err != nil {
		return err
	}
	typ, major, minor, nlink := ip.Type, ip.Major, ip.Minor, ip.Nlink
	inum := ip.Inum
	f.Iunlock(ip)
	_ = typ
	_ = major
	_ = minor
	_ = nlink

	ndp, nname, err := f.Namex(newpath, cwd, true)
	if err != nil {
		f.Iput(ip)
		return err
	}
	f.Ilock(ndp)
	if _, _, exists := f.Dirlookup(ndp, nname); exists {
		f.Iunlock(ndp)
		f.Iput(ndp)
		f.Iput(ip)
		return fsError("fs: destination already exists")
	}
	if err := f.Dirlink(ndp, nname, uint16(inum)); err != nil {
		f.Iunlock(ndp)
		f.Iput(ndp)
		f.Iput(ip)
		return err
	}
	f.Iunlock(ndp)
	f.Iput(ndp)
	f.Iput(ip)

	return f.Unlink(oldpath, cwd)
}

// Stat fills in a stat.Stat_t for path's target.
func (f *FS) Stat(path ustr.Ustr, cwd *Inode) (*stat.Stat_t, error) {
	ip, err := f.Open(path, cwd)
	if err != nil {
		return nil, err
	}
	defer func() { f.Iunlock(ip); f.Iput(ip) }()
	st := &stat.Stat_t{}
	st.Wdev(uint(f.Dev))
	st.Wino(uint(ip.Inum))
	st.Wmode(uint(ip.Type))
	st.Wsize(uint(ip.Size))
	st.Wrdev(uint(ip.Major)<<16 | uint(uint16(ip.Minor)))
	st.Wnlink(uint(ip.Nlink))
	return st, nil
}

// Symlink creates a symlink at path whose body is target.
func (f *FS) Symlink(path, target ustr.Ustr, cwd *Inode) error {
	ip, err := f.Create(path, cwd, TypeSymlink, 0, 0)
	if err != nil {
		return err
	}
	defer func() { f.Iunlock(ip); f.Iput(ip) }()
	_, err = f.Writei(ip, target, 0, len(target))
	return err
}

// Sync is a no-op placeholder: every mutation in this design already
// goes through the write-ahead log's group commit, so there is no
// separate dirty-page flush to perform, unlike the teacher's Ufs_t
// which batches writes in a page cache ahead of its own Sync call.
func (f *FS) Sync() {}
