// Package stat mirrors a file's stat(2) information, adapted from the
// teacher's stat package. Fields are kept private with accessor methods
// so the on-disk/on-wire layout (used by Bytes) can't drift from the
// accessors by an errant direct field write.
package stat

import "encoding/binary"

// Stat_t is the structure returned to user space by the stat system call
// and used internally wherever inode metadata needs to travel as a value.
type Stat_t struct {
	dev   uint64
	ino   uint64
	mode  uint64
	size  uint64
	rdev  uint64
	nlink uint64
}

func (st *Stat_t) Wdev(v uint)  { st.dev = uint64(v) }
func (st *Stat_t) Wino(v uint)  { st.ino = uint64(v) }
func (st *Stat_t) Wmode(v uint) { st.mode = uint64(v) }
func (st *Stat_t) Wsize(v uint) { st.size = uint64(v) }
func (st *Stat_t) Wrdev(v uint) { st.rdev = uint64(v) }
func (st *Stat_t) Wnlink(v uint) { st.nlink = uint64(v) }

func (st *Stat_t) Mode() uint  { return uint(st.mode) }
func (st *Stat_t) Size() uint  { return uint(st.size) }
func (st *Stat_t) Rdev() uint  { return uint(st.rdev) }
func (st *Stat_t) Rino() uint  { return uint(st.ino) }
func (st *Stat_t) Nlink() uint { return uint(st.nlink) }

// Bytes serializes the structure as fixed-width little-endian fields,
// matching the disk/wire byte order used throughout fs/.
func (st *Stat_t) Bytes() []uint8 {
	b := make([]uint8, 6*8)
	binary.LittleEndian.PutUint64(b[0:8], st.dev)
	binary.LittleEndian.PutUint64(b[8:16], st.ino)
	binary.LittleEndian.PutUint64(b[16:24], st.mode)
	binary.LittleEndian.PutUint64(b[24:32], st.size)
	binary.LittleEndian.PutUint64(b[32:40], st.rdev)
	binary.LittleEndian.PutUint64(b[40:48], st.nlink)
	return b
}
