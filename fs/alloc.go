package fs

// balloc/bfree manage the single-block free-space bitmap at
// sb.BmapStart, one bit per data block starting at block 0 of the
// whole disk (so the bit for block b lives at byte b/8, bit b%8).

func (f *FS) balloc() (uint32, error) {
	b := f.Cache.Bread(f.Dev, int(f.SB.BmapStart))
	defer f.Cache.Brelse(b)
	d := b.Data()
	for bn := uint32(0); bn < f.SB.Size; bn++ {
		byteIdx, bit := bn/8, bn%8
		if d[byteIdx]&(1<<bit) == 0 {
			d[byteIdx] |= 1 << bit
			f.Log.Write(b)
			f.zeroBlock(bn)
			return bn, nil
		}
	}
	return 0, fsError("fs: disk out of space")
}

func (f *FS) bfree(bn uint32) {
	b := f.Cache.Bread(f.Dev, int(f.SB.BmapStart))
	defer f.Cache.Brelse(b)
	d := b.Data()
	byteIdx, bit := bn/8, bn%8
	if d[byteIdx]&(1<<bit) == 0 {
		panic("fs: freeing free block")
	}
	d[byteIdx] &^= 1 << bit
	f.Log.Write(b)
}

func (f *FS) zeroBlock(bn uint32) {
	b := f.Cache.Bread(f.Dev, int(bn))
	defer f.Cache.Brelse(b)
	d := b.Data()
	for i := range d {
		d[i] = 0
	}
	f.Log.Write(b)
}
