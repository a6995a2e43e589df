// Command mkfs builds a bootable disk image for the kernel in cmd/kernel,
// the host-side counterpart to C7's on-disk format: it formats a fresh
// superblock, log area, inode region and free-space bitmap, allocates the
// root inode, and (optionally) copies a host skeleton directory tree into
// the new filesystem.
//
// Grounded on the teacher's biscuit/src/mkfs/mkfs.go (MkDisk/BootFS/
// addfiles/copydata's skeleton-walk shape; the arguments here are only
// <output image> [skel dir], with no boot or kernel image) with ufs's FUSE-daemon
// disk protocol replaced by this rewrite's own bcache/wal/fs stack used
// directly, since there is no separate idaemon goroutine here to talk to.
// Low-level formatting (superblock placement, single free-space bitmap
// block, inode-region sizing) is grounded on
// original_source/riscv-os5/kernel/fs/fs.c's layout, which fs/super.go's
// own ReadSuperblock/WriteSuperblock mirror.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	rfs "github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/bcache"
	"github.com/Jiadong-W/riscv-os/lock"
	"github.com/Jiadong-W/riscv-os/ustr"
	"github.com/Jiadong-W/riscv-os/virtio"
	"github.com/Jiadong-W/riscv-os/wal"
)

const (
	nbuf      = 64
	nLogBlks  = 30 // wal.maxLogSize's ceiling; kept in lock-step with it
	nInodes   = 200
	dev       = 0
)

// noopWaiter satisfies lock.Waiter_i for a single-goroutine tool: nothing
// mkfs does ever contends a sleeplock or blocks on a full buffer cache, so
// Sleep should never actually be called.
type noopWaiter struct{}

func (noopWaiter) Sleep(interface{}, *lock.Spinlock_t) {
	panic("mkfs: unexpected blocking wait")
}
func (noopWaiter) Wakeup(interface{}) {}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: mkfs [-blocks N] [-inodes N] <output image> [skel dir]\n")
	}
	blocks := flag.Int("blocks", 8192, "total disk size in 4096-byte blocks")
	inodes := flag.Int("inodes", nInodes, "number of inodes to reserve")
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	imagePath := flag.Arg(0)
	var skelDir string
	if flag.NArg() >= 2 {
		skelDir = flag.Arg(1)
	}

	f := format(imagePath, *blocks, *inodes)
	if skelDir != "" {
		addfiles(f, skelDir)
	}
	fmt.Printf("mkfs: wrote %s (%d blocks, %d inodes)\n", imagePath, *blocks, *inodes)
}

// format lays out a fresh, empty filesystem on a newly truncated image
// file and returns it ready for addfiles to populate.
func format(imagePath string, nblocks, ninodes int) *rfs.FS {
	file, err := os.Create(imagePath)
	if err != nil {
		panic(err)
	}
	if err := file.Truncate(int64(nblocks) * virtio.BlockSize); err != nil {
		panic(err)
	}

	disk, err := virtio.Open(file, nblocks)
	if err != nil {
		panic(err)
	}
	waiter := noopWaiter{}
	cache := bcache.New(disk, nbuf, waiter)

	ipb := int(rfs.BlockSize / rfs.DinodeSize)
	ninodeblks := (ninodes + ipb - 1) / ipb

	logStart := 2 // block 0 boot, block 1 superblock
	inodeStart := logStart + nLogBlks
	bmapStart := inodeStart + ninodeblks
	firstData := bmapStart + 1
	if firstData >= nblocks {
		panic("mkfs: disk too small for its own metadata")
	}

	sb := rfs.Superblock{
		Magic:      rfs.SuperblockMagic,
		Size:       uint32(nblocks),
		NBlocks:    uint32(nblocks - firstData),
		NInodes:    uint32(ninodes),
		NLog:       uint32(nLogBlks),
		LogStart:   uint32(logStart),
		InodeStart: uint32(inodeStart),
		BmapStart:  uint32(bmapStart),
	}
	rfs.WriteSuperblock(cache, dev, sb)

	// Zero the log, inode and bitmap regions so Ialloc/Ilock see
	// TypeFree (0) everywhere and balloc sees every bit clear.
	for blk := 0; blk < firstData; blk++ {
		if blk == 1 {
			continue // superblock already written
		}
		b := cache.Bread(dev, blk)
		d := b.Data()
		for i := range d {
			d[i] = 0
		}
		cache.Bwrite(b)
		cache.Brelse(b)
	}

	// Mark every metadata block (including block 0, the unused boot
	// block, through the bitmap block itself) allocated, so balloc never
	// hands one of them out as a data block.
	bm := cache.Bread(dev, bmapStart)
	d := bm.Data()
	for bn := 0; bn < firstData; bn++ {
		d[bn/8] |= 1 << uint(bn%8)
	}
	cache.Bwrite(bm)
	cache.Brelse(bm)

	log := wal.New(cache, dev, logStart, nLogBlks, rfs.MaxOpBlocks, waiter)
	log.Recover() // header block is all-zero; this just clears it again

	fsys, err := rfs.StartFS(cache, log, dev, waiter)
	if err != nil {
		panic(err)
	}

	log.Begin()
	root, err := fsys.Ialloc(rfs.TypeDir)
	if err != nil {
		panic(err)
	}
	if root.Inum != rfs.RootInode {
		panic("mkfs: first Ialloc did not return the root inode number")
	}
	fsys.Ilock(root)
	root.Nlink = 2
	fsys.Iupdate(root)
	if err := fsys.Dirlink(root, ustr.MkUstrDot(), uint16(root.Inum)); err != nil {
		panic(err)
	}
	if err := fsys.Dirlink(root, ustr.DotDot, uint16(root.Inum)); err != nil {
		panic(err)
	}
	fsys.Iunlock(root)
	fsys.Iput(root)
	log.End()

	return fsys
}

// addfiles walks skelDir on the host and replicates its contents into
// fsys, the same shape as the teacher's own addfiles.
func addfiles(fsys *rfs.FS, skelDir string) {
	err := filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: failed to access %q: %v\n", path, err)
			return err
		}
		rel := strings.TrimPrefix(path, skelDir)
		if rel == "" {
			return nil
		}
		dst := ustr.MkUstrSlice([]byte(rel))
		typ := rfs.TypeFile
		if d.IsDir() {
			typ = rfs.TypeDir
		}

		fsys.Log.Begin()
		ip, err := fsys.Create(dst, nil, int16(typ), 0, 0)
		fsys.Log.End()
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkfs: create %s: %v\n", rel, err)
			return nil
		}
		if !d.IsDir() {
			copydata(path, fsys, ip)
		}
		fsys.Iunlock(ip)
		fsys.Iput(ip)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: error walking %q: %v\n", skelDir, err)
		os.Exit(1)
	}
}

// copydata streams src's contents into ip, one block at a time so no
// single transaction exceeds MaxOpBlocks, mirroring file.Table.Write's
// own per-chunk begin/end discipline for INODE writes.
func copydata(src string, fsys *rfs.FS, ip *rfs.Inode) {
	in, err := os.Open(src)
	if err != nil {
		panic(err)
	}
	defer in.Close()

	buf := make([]byte, rfs.BlockSize)
	off := uint32(0)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			fsys.Log.Begin()
			wrote, werr := fsys.Writei(ip, buf[:n], off, n)
			fsys.Log.End()
			if werr != nil {
				panic(werr)
			}
			off += uint32(wrote)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			panic(err)
		}
	}
}
