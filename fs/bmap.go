package fs

import "encoding/binary"

func readIndirectEntry(d []byte, idx int) uint32 {
	return binary.LittleEndian.Uint32(d[idx*4 : idx*4+4])
}

func writeIndirectEntry(d []byte, idx int, v uint32) {
	binary.LittleEndian.PutUint32(d[idx*4:idx*4+4], v)
}

// bmap resolves logical block bn of ip to a disk block number,
// allocating direct, single-indirect and double-indirect pointer
// blocks lazily. It logs an indirect block's write only when that
// block was actually modified (a new pointer installed into it); the
// inode's own Addrs/Size still need Iupdate from the caller once a
// write finishes, exactly as spec.md §4.7 describes.
func (f *FS) bmap(ip *Inode, bn int) (uint32, error) {
	if bn < NDirect {
		if ip.Addrs[bn] == 0 {
			blk, err := f.balloc()
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = blk
		}
		return ip.Addrs[bn], nil
	}
	bn -= NDirect

	if bn < NIndirect {
		return f.bmapIndirect(&ip.Addrs[NDirect], bn)
	}
	bn -= NIndirect

	if bn < NDouble {
		if ip.Addrs[NDirect+1] == 0 {
			blk, err := f.balloc()
			if err != nil {
				return 0, err
			}
			ip.Addrs[NDirect+1] = blk
		}
		outer := bn / NIndirect
		inner := bn % NIndirect

		b := f.Cache.Bread(f.Dev, int(ip.Addrs[NDirect+1]))
		mid := readIndirectEntry(b.Data(), outer)
		if mid == 0 {
			newMid, err := f.balloc()
			if err != nil {
				f.Cache.Brelse(b)
				return 0, err
			}
			writeIndirectEntry(b.Data(), outer, newMid)
			f.Log.Write(b)
			mid = newMid
		}
		f.Cache.Brelse(b)

		return f.bmapIndirectAt(mid, inner)
	}

	return 0, fsError("fs: logical block out of range")
}

// bmapIndirect resolves entry idx of the single-indirect block whose
// disk address is kept in *addr, allocating the indirect block itself
// on first use.
func (f *FS) bmapIndirect(addr *uint32, idx int) (uint32, error) {
	if *addr == 0 {
		blk, err := f.balloc()
		if err != nil {
			return 0, err
		}
		*addr = blk
	}
	return f.bmapIndirectAt(*addr, idx)
}

func (f *FS) bmapIndirectAt(indirectBlk uint32, idx int) (uint32, error) {
	b := f.Cache.Bread(f.Dev, int(indirectBlk))
	defer f.Cache.Brelse(b)
	entry := readIndirectEntry(b.Data(), idx)
	if entry == 0 {
		blk, err := f.balloc()
		if err != nil {
			return 0, err
		}
		writeIndirectEntry(b.Data(), idx, blk)
		f.Log.Write(b)
		entry = blk
	}
	return entry, nil
}

// itrunc releases every data block owned by ip — direct, then
// single-indirect, then double-indirect — zeros Size, and persists the
// now-empty inode.
func (f *FS) itrunc(ip *Inode) {
	for i := 0; i < NDirect; i++ {
		if ip.Addrs[i] != 0 {
			f.bfree(ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDirect] != 0 {
		f.freeIndirect(ip.Addrs[NDirect])
		f.bfree(ip.Addrs[NDirect])
		ip.Addrs[NDirect] = 0
	}
	if ip.Addrs[NDirect+1] != 0 {
		b := f.Cache.Bread(f.Dev, int(ip.Addrs[NDirect+1]))
		for i := 0; i < NIndirect; i++ {
			mid := readIndirectEntry(b.Data(), i)
			if mid != 0 {
				f.freeIndirect(mid)
				f.bfree(mid)
			}
		}
		f.Cache.Brelse(b)
		f.bfree(ip.Addrs[NDirect+1])
		ip.Addrs[NDirect+1] = 0
	}
	ip.Size = 0
	f.Iupdate(ip)
}

func (f *FS) freeIndirect(blk uint32) {
	b := f.Cache.Bread(f.Dev, int(blk))
	for i := 0; i < NIndirect; i++ {
		e := readIndirectEntry(b.Data(), i)
		if e != 0 {
			f.bfree(e)
		}
	}
	f.Cache.Brelse(b)
}
