package fs

import "github.com/Jiadong-W/riscv-os/ustr"

// RootInode is the inode number of the filesystem root, stamped there
// by mkfs.
const RootInode = 1

func encodeDirent(inum uint16, name ustr.Ustr) [DirSize]byte {
	var d [DirSize]byte
	d[0] = byte(inum)
	d[1] = byte(inum >> 8)
	n := len(name)
	if n > DirNameLen {
		n = DirNameLen
	}
	copy(d[2:2+n], name)
	return d
}

func decodeDirent(d []byte) (uint16, ustr.Ustr) {
	inum := uint16(d[0]) | uint16(d[1])<<8
	return inum, ustr.MkUstrSlice(d[2 : 2+DirNameLen])
}

// Dirlookup linearly scans dp's directory entries for name, returning
// the matching in-memory inode and its byte offset within dp, or false
// if absent. dp must already be ilocked.
func (f *FS) Dirlookup(dp *Inode, name ustr.Ustr) (*Inode, uint32, bool) {
	if dp.Type != TypeDir {
		panic("fs: dirlookup on non-directory")
	}
	var entry [DirSize]byte
	for off := uint32(0); off < dp.Size; off += DirSize {
		n, err := f.Readi(dp, entry[:], off, DirSize)
		if err != nil || n != DirSize {
			break
		}
		inum, ename := decodeDirent(entry[:])
		if inum == 0 {
			continue
		}
		if ename.Eq(name) {
			return f.Iget(dp.Dev, int(inum)), off, true
		}
	}
	return nil, 0, false
}

// Dirlink adds an entry (name -> inum) to dp, reusing the first empty
// slot if one exists or appending otherwise. dp must already be
// ilocked and the caller must be inside a transaction.
func (f *FS) Dirlink(dp *Inode, name ustr.Ustr, inum uint16) error {
	if _, _, found := f.Dirlookup(dp, name); found {
		return fsError("fs: name already exists")
	}
	var entry [DirSize]byte
	off := uint32(0)
	for ; off < dp.Size; off += DirSize {
		n, err := f.Readi(dp, entry[:], off, DirSize)
		if err != nil || n != DirSize {
			return fsError("fs: directory read error")
		}
		existing, _ := decodeDirent(entry[:])
		if existing == 0 {
			break
		}
	}
	rec := encodeDirent(inum, name)
	if _, err := f.Writei(dp, rec[:], off, DirSize); err != nil {
		return err
	}
	return nil
}

// Dirunlink clears the directory entry at off, leaving a hole dirlink
// can reuse later.
func (f *FS) Dirunlink(dp *Inode, off uint32) error {
	var zero [DirSize]byte
	_, err := f.Writei(dp, zero[:], off, DirSize)
	return err
}

// Isdirempty reports whether dp (other than "." and "..") has no
// entries, the precondition for rmdir.
func (f *FS) Isdirempty(dp *Inode) bool {
	var entry [DirSize]byte
	for off := uint32(2 * DirSize); off < dp.Size; off += DirSize {
		n, err := f.Readi(dp, entry[:], off, DirSize)
		if err != nil || n != DirSize {
			return false
		}
		inum, _ := decodeDirent(entry[:])
		if inum != 0 {
			return false
		}
	}
	return true
}
