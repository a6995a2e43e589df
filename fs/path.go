package fs

import (
	"github.com/Jiadong-W/riscv-os/limits"
	"github.com/Jiadong-W/riscv-os/ustr"
)

// Namex resolves path to an inode, starting from root if path is
// absolute or from cwd otherwise. With nameiparent set it instead
// returns the parent directory of the final component plus that
// component's name, letting the caller perform the actual
// create/unlink/rename under its own transaction.
//
// Non-terminal symlinks are followed transparently (read, combined
// with the remaining path, and re-resolved from root or cwd as the
// link target dictates), depth-limited to MaxSymlinkDepth to break
// cycles; a terminal symlink is returned as itself, matching
// spec.md §4.7's "non-terminal symlink" wording.
func (f *FS) Namex(path ustr.Ustr, cwd *Inode, nameiparent bool) (*Inode, ustr.Ustr, error) {
	return f.namex(path.Split(), path.IsAbsolute(), cwd, nameiparent, 0)
}

func (f *FS) namex(comps []ustr.Ustr, absolute bool, cwd *Inode, nameiparent bool, depth int) (*Inode, ustr.Ustr, error) {
	if depth > MaxSymlinkDepth {
		return nil, nil, fsError("fs: too many levels of symbolic links")
	}

	var ip *Inode
	if absolute || cwd == nil {
		ip = f.Iget(f.Dev, RootInode)
	} else {
		ip = f.Idup(cwd)
	}

	for i, comp := range comps {
		last := i == len(comps)-1

		f.Ilock(ip)
		if ip.Type != TypeDir {
			f.Iunlock(ip)
			f.Iput(ip)
			return nil, nil, fsError("fs: not a directory")
		}
		if nameiparent && last {
			f.Iunlock(ip)
			return ip, comp, nil
		}
		next, _, ok := f.Dirlookup(ip, comp)
		f.Iunlock(ip)
		if !ok {
			f.Iput(ip)
			return nil, nil, fsError("fs: no such file or directory")
		}
		f.Iput(ip)

		f.Ilock(next)
		if !last && next.Type == TypeSymlink {
			target, err := f.readSymlinkTarget(next)
			f.Iunlock(next)
			f.Iput(next)
			if err != nil {
				return nil, nil, err
			}
			rest := append(append([]ustr.Ustr{}, target.Split()...), comps[i+1:]...)
			return f.namex(rest, target.IsAbsolute(), cwd, nameiparent, depth+1)
		}
		f.Iunlock(next)
		ip = next
	}

	if nameiparent {
		// Only reachable for an empty component list (root or cwd
		// itself named as its own parent) — return it unlocked, with
		// no final-component name to report.
		return ip, nil, nil
	}
	return ip, nil, nil
}

// readSymlinkTarget reads a symlink's body: up to MAXPATH bytes,
// NUL-terminated. ip must already be ilocked.
func (f *FS) readSymlinkTarget(ip *Inode) (ustr.Ustr, error) {
	buf := make([]byte, limits.MAXPATH)
	n, err := f.Readi(ip, buf, 0, len(buf))
	if err != nil {
		return nil, err
	}
	return ustr.MkUstrSlice(buf[:n]), nil
}
