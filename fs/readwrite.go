package fs

// Readi copies min(n, Size-off) bytes from ip starting at off into dst,
// page-at-a-time through the buffer cache. ip must already be ilocked.
func (f *FS) Readi(ip *Inode, dst []byte, off uint32, n int) (int, error) {
	if off > ip.Size {
		return 0, nil
	}
	if uint32(n) > ip.Size-off {
		n = int(ip.Size - off)
	}
	got := 0
	for got < n {
		bn, err := f.bmap(ip, int(off)/BlockSize)
		if err != nil {
			return got, err
		}
		b := f.Cache.Bread(f.Dev, int(bn))
		blkOff := int(off) % BlockSize
		m := BlockSize - blkOff
		if m > n-got {
			m = n - got
		}
		copy(dst[got:got+m], b.Data()[blkOff:blkOff+m])
		f.Cache.Brelse(b)
		got += m
		off += uint32(m)
	}
	return got, nil
}

// Writei copies n bytes from src into ip starting at off, through the
// log so each touched block survives a crash, and finishes by
// persisting the (possibly grown) size. Writes that would exceed
// MaxFileSize are refused outright.
func (f *FS) Writei(ip *Inode, src []byte, off uint32, n int) (int, error) {
	if off > ip.Size || uint64(off)+uint64(n) > MaxFileSize {
		return 0, fsError("fs: write out of range")
	}
	put := 0
	for put < n {
		bn, err := f.bmap(ip, int(off)/BlockSize)
		if err != nil {
			break
		}
		b := f.Cache.Bread(f.Dev, int(bn))
		blkOff := int(off) % BlockSize
		m := BlockSize - blkOff
		if m > n-put {
			m = n - put
		}
		copy(b.Data()[blkOff:blkOff+m], src[put:put+m])
		f.Log.Write(b)
		f.Cache.Brelse(b)
		put += m
		off += uint32(m)
	}
	if off > ip.Size {
		ip.Size = off
	}
	f.Iupdate(ip)
	if put != n {
		return put, fsError("fs: short write")
	}
	return put, nil
}
