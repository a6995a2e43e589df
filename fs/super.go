// Package fs implements C7, the on-disk inode file system of
// spec.md §4.7: a superblock describing the disk layout, a dinode
// format with direct/single-indirect/double-indirect block pointers,
// directory entries, and namex path resolution including symlinks.
//
// There is no teacher source for an inode file system at all — the
// teacher's ufs package (ufs/ufs.go, ufs/idaemon.go) is a FUSE-style
// userspace filesystem talking to a page cache and AHCI disk through a
// request/response channel protocol, not an in-kernel inode layer — so
// this package borrows only ufs's StartFS/StopFS names; the rest of the
// public surface other subsystems call is plain methods on FS (Open,
// Create, Unlink, Rename, Stat, Symlink, ...) while the actual block layout and traversal
// algorithms are grounded on
// original_source/riscv-os5/kernel/fs/fs.c, which is exactly this
// design (xv6's on-disk format) before distillation.
package fs

import (
	"encoding/binary"

	"github.com/Jiadong-W/riscv-os/bcache"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/wal"
)

const (
	BlockSize = 4096

	NDirect  = 12
	NIndirect = BlockSize / 4 // 1024 uint32 block numbers per indirect block
	NDouble   = NIndirect * NIndirect
	MaxFileSize = (NDirect + NIndirect + NDouble) * BlockSize

	DinodeSize = 2 + 2 + 2 + 2 + 4 + (NDirect+2)*4
	DirSize    = 16
	DirNameLen = 14

	SuperblockMagic = 0x20241031

	TypeFree    = 0
	TypeDir     = 1
	TypeFile    = 2
	TypeDevice  = 3
	TypeSymlink = 4

	MaxOpBlocks = 10
	MaxSymlinkDepth = 8
)

// Superblock describes the fixed on-disk layout, per spec.md §6.
type Superblock struct {
	Magic      uint32
	Size       uint32
	NBlocks    uint32
	NInodes    uint32
	NLog       uint32
	LogStart   uint32
	InodeStart uint32
	BmapStart  uint32
}

func (sb Superblock) IPB() uint32 { return BlockSize / DinodeSize }

// ReadSuperblock loads and validates the superblock from block 1.
func ReadSuperblock(cache *bcache.Cache, dev int) (Superblock, error) {
	b := cache.Bread(dev, 1)
	defer cache.Brelse(b)
	d := b.Data()
	sb := Superblock{
		Magic:      binary.LittleEndian.Uint32(d[0:4]),
		Size:       binary.LittleEndian.Uint32(d[4:8]),
		NBlocks:    binary.LittleEndian.Uint32(d[8:12]),
		NInodes:    binary.LittleEndian.Uint32(d[12:16]),
		NLog:       binary.LittleEndian.Uint32(d[16:20]),
		LogStart:   binary.LittleEndian.Uint32(d[20:24]),
		InodeStart: binary.LittleEndian.Uint32(d[24:28]),
		BmapStart:  binary.LittleEndian.Uint32(d[28:32]),
	}
	if sb.Magic != SuperblockMagic {
		return Superblock{}, errBadSuperblock
	}
	return sb, nil
}

// WriteSuperblock stamps sb onto block 1, bypassing the log since it is
// only ever written once, by mkfs, before any transaction runs.
func WriteSuperblock(cache *bcache.Cache, dev int, sb Superblock) {
	b := cache.Bread(dev, 1)
	defer cache.Brelse(b)
	d := b.Data()
	binary.LittleEndian.PutUint32(d[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(d[4:8], sb.Size)
	binary.LittleEndian.PutUint32(d[8:12], sb.NBlocks)
	binary.LittleEndian.PutUint32(d[12:16], sb.NInodes)
	binary.LittleEndian.PutUint32(d[16:20], sb.NLog)
	binary.LittleEndian.PutUint32(d[20:24], sb.LogStart)
	binary.LittleEndian.PutUint32(d[24:28], sb.InodeStart)
	binary.LittleEndian.PutUint32(d[28:32], sb.BmapStart)
	cache.Bwrite(b)
}

type fsError string

func (e fsError) Error() string { return string(e) }

const errBadSuperblock = fsError("fs: bad superblock magic")

// FS bundles everything the inode layer needs: the cache, the log, the
// device number and the superblock layout.
type FS struct {
	Cache *bcache.Cache
	Log   *wal.Log
	Dev   int
	SB    Superblock

	waiter lock.Waiter_i
	icache *inodeCache
}

// StartFS reads the superblock, replays the log, and returns a ready
// FS. waiter supplies the sleep/wakeup engine for inode sleeplocks
// (the process table, in cmd/kernel's boot sequence).
func StartFS(cache *bcache.Cache, log *wal.Log, dev int, waiter lock.Waiter_i) (*FS, error) {
	sb, err := ReadSuperblock(cache, dev)
	if err != nil {
		return nil, err
	}
	log.Recover()
	f := &FS{Cache: cache, Log: log, Dev: dev, SB: sb, waiter: waiter}
	f.icache = newInodeCache()
	return f, nil
}

// StopFS is a no-op placeholder matching the teacher's StartFS/StopFS
// pairing; there is no background daemon to stop in this in-kernel
// design (unlike ufs's request/response goroutine).
func StopFS(f *FS) {}
