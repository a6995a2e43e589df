// Package syscall implements C12, the numbered system call dispatch
// table of spec.md §4.12: a dense table of handlers reached by number
// rather than name, each fetching its own arguments out of the
// args[6]uint64 array trap.Trap.Dispatch hands it (standing in for
// a0..a5) and validating user pointers through package vm before
// touching them.
//
// Grounded on original_source/riscv-os5/kernel/sys/syscall.c (the
// dispatch table, numbering, and argint/argaddr/argstr/check_user_range
// argument-fetch discipline) and kernel/sys/sysproc.c (exit/getpid/
// fork/wait/kill/sbrk/time/ticks/sleep/getpriority and the crash-test
// hooks set_crash_stage/recover_log/clear_cache/klog_dump/
// klog_set_threshold). The file-related handlers
// (open/close/unlink/mknod/dup/chdir/symlink) are not actually defined
// anywhere in riscv-os5 — only prototyped in syscall.c and called from
// user/ulib.c — so those are grounded instead on the sibling variant
// tree original_source/riscv-os_3_4/kernel/sys/sysfile.c, which does
// carry full bodies for open/read/write/close/unlink (argfd/fdalloc/
// create's three-way open dispatch on console-vs-create-vs-namei), with
// mknod/dup/chdir/symlink built the same way against this rewrite's
// fs/file primitives since no source tree supplies their bodies either.
package syscall

import (
	"fmt"

	"github.com/Jiadong-W/riscv-os/exec"
	"github.com/Jiadong-W/riscv-os/file"
	"github.com/Jiadong-W/riscv-os/fs"
	"github.com/Jiadong-W/riscv-os/klog"
	"github.com/Jiadong-W/riscv-os/limits"
	"github.com/Jiadong-W/riscv-os/mem"
	"github.com/Jiadong-W/riscv-os/proc"
	"github.com/Jiadong-W/riscv-os/riscv"
	"github.com/Jiadong-W/riscv-os/ustr"
	"github.com/Jiadong-W/riscv-os/vm"
	"github.com/Jiadong-W/riscv-os/wal"
)

// Numbered system calls, in the dense order
// original_source/riscv-os5/kernel/sys/syscall.c's syscall_table uses.
const (
	SysExit = iota
	SysGetpid
	SysFork
	SysWait
	SysKill
	SysWrite
	SysRead
	SysOpen
	SysClose
	SysUnlink
	SysSbrk
	SysTime
	SysSymlink
	SysSetCrashStage
	SysRecoverLog
	SysClearCache
	SysExec
	SysDup
	SysMknod
	SysChdir
	SysTicks
	SysGetpriority
	SysKlogDump
	SysKlogSetThreshold
	SysSleep
)

// Syscalls bundles every subsystem a handler might need to touch.
type Syscalls struct {
	Procs *proc.Table
	Files *file.Table
	FS    *fs.FS
	Log   *wal.Log
	Alloc *mem.Allocator
	Klog  *klog.Ring
}

// New returns a dispatch table bound to the given subsystems.
func New(procs *proc.Table, files *file.Table, fsys *fs.FS, log *wal.Log, alloc *mem.Allocator, kl *klog.Ring) *Syscalls {
	return &Syscalls{Procs: procs, Files: files, FS: fsys, Log: log, Alloc: alloc, Klog: kl}
}

// argint reads the n'th argument as a plain 32-bit int, matching
// argint's a0..a5 truncation.
func argint(args [6]uint64, n int) int {
	return int(int32(args[n]))
}

// argaddr reads the n'th argument as a raw user address; validity is
// checked at first use by vm.Copyin/Copyout/CopyinStr rather than up
// front, since those already perform check_user_ptr's V+U(+W) walk.
func argaddr(args [6]uint64, n int) uint64 {
	return args[n]
}

// argstr copies a NUL-terminated user string out of argument n.
func argstr(p *proc.Proc, args [6]uint64, n int, max int) (string, error) {
	buf := make([]byte, max)
	l, err := vm.CopyinStr(p.AS, buf, argaddr(args, n))
	if err != nil {
		return "", err
	}
	return string(buf[:l]), nil
}

// argfd resolves argument n to an open file, the Go analogue of
// sysfile.c's argfd.
func argfd(p *proc.Proc, args [6]uint64, n int) (*file.File, int, error) {
	fd := argint(args, n)
	if fd < 0 || fd >= limits.NOFILE {
		return nil, -1, fmt.Errorf("syscall: bad fd %d", fd)
	}
	f := p.Files[fd]
	if f == nil {
		return nil, -1, fmt.Errorf("syscall: fd %d not open", fd)
	}
	return f, fd, nil
}

// fdalloc finds a free slot in p's descriptor table and binds f to it.
func fdalloc(p *proc.Proc, f *file.File) int {
	for fd := 0; fd < limits.NOFILE; fd++ {
		if p.Files[fd] == nil {
			p.Files[fd] = f
			return fd
		}
	}
	return -1
}

// Dispatch implements trap.Syscaller. A returned error means "no such
// system call," matching syscall_dispatch's own unknown-syscall branch
// in the original; every other failure is reported the original's way,
// as a -1 return with nil error.
func (s *Syscalls) Dispatch(p *proc.Proc, num int, args [6]uint64) (int64, error) {
	switch num {
	case SysExit:
		return s.sysExit(p, args)
	case SysGetpid:
		return int64(p.Pid), nil
	case SysFork:
		return s.sysFork(p)
	case SysWait:
		return s.sysWait(p, args)
	case SysKill:
		return s.sysKill(args)
	case SysWrite:
		return s.sysWrite(p, args)
	case SysRead:
		return s.sysRead(p, args)
	case SysOpen:
		return s.sysOpen(p, args)
	case SysClose:
		return s.sysClose(p, args)
	case SysUnlink:
		return s.sysUnlink(p, args)
	case SysSbrk:
		return s.sysSbrk(p, args)
	case SysTime:
		return s.Procs.Ticks(), nil
	case SysSymlink:
		return s.sysSymlink(p, args)
	case SysSetCrashStage:
		return s.sysSetCrashStage(args)
	case SysRecoverLog:
		s.Log.Recover()
		return 0, nil
	case SysClearCache:
		s.Log.ClearCache()
		return 0, nil
	case SysExec:
		return s.sysExec(p, args)
	case SysDup:
		return s.sysDup(p, args)
	case SysMknod:
		return s.sysMknod(p, args)
	case SysChdir:
		return s.sysChdir(p, args)
	case SysTicks:
		return s.Procs.Ticks(), nil
	case SysGetpriority:
		return int64(p.Priority), nil
	case SysKlogDump:
		return s.sysKlogDump(p, args)
	case SysKlogSetThreshold:
		return s.sysKlogSetThreshold(args)
	case SysSleep:
		return s.sysSleep(p, args)
	default:
		return -1, fmt.Errorf("syscall: unknown sys call %d", num)
	}
}

// sysExit ends the calling process and never returns to it: Exit
// schedules the process away, and the ExitSignal panic discards the
// rest of its entry closure's call stack, exactly as "exit_process
// never returns" in proc.ExitSignal's doc comment.
func (s *Syscalls) sysExit(p *proc.Proc, args [6]uint64) (int64, error) {
	status := argint(args, 0)
	s.Procs.Exit(p.Slot, status)
	panic(proc.ExitSignal{})
}

func (s *Syscalls) sysFork(p *proc.Proc) (int64, error) {
	pid, err := s.Procs.ForkSame(p.Slot)
	if err != nil {
		return -1, nil
	}
	return int64(pid), nil
}

func (s *Syscalls) sysWait(p *proc.Proc, args [6]uint64) (int64, error) {
	addr := argaddr(args, 0)
	pid, status, err := s.Procs.Wait(p.Slot)
	if err != nil {
		return -1, nil
	}
	if addr != 0 {
		var b [4]byte
		b[0] = byte(status)
		b[1] = byte(status >> 8)
		b[2] = byte(status >> 16)
		b[3] = byte(status >> 24)
		if err := vm.Copyout(p.AS, addr, b[:]); err != nil {
			return -1, nil
		}
	}
	return int64(pid), nil
}

func (s *Syscalls) sysKill(args [6]uint64) (int64, error) {
	pid := argint(args, 0)
	if !s.Procs.Kill(pid) {
		return -1, nil
	}
	return 0, nil
}

func (s *Syscalls) sysSleep(p *proc.Proc, args [6]uint64) (int64, error) {
	n := argint(args, 0)
	if n <= 0 {
		return 0, nil
	}
	start := s.Procs.Ticks()
	for s.Procs.Ticks()-start < int64(n) {
		if p.Killed {
			return -1, nil
		}
		s.Procs.Yield()
	}
	return 0, nil
}

// sysSbrk grows or shrinks p's heap by n bytes, returning the old
// break, matching sys_sbrk's uvmalloc/uvmdealloc split.
func (s *Syscalls) sysSbrk(p *proc.Proc, args [6]uint64) (int64, error) {
	n := argint(args, 0)
	oldSz := p.Sz
	if n > 0 {
		newSz := oldSz + uint64(n)
		if newSz < oldSz {
			return -1, nil
		}
		sz, err := vm.UvmAlloc(p.AS, oldSz, newSz, riscv.PTE_R|riscv.PTE_W)
		if err != nil {
			return -1, nil
		}
		p.Sz = sz
	} else if n < 0 {
		target := int64(oldSz) + int64(n)
		if target < 0 {
			target = 0
		}
		p.Sz = vm.UvmDealloc(p.AS, oldSz, uint64(target))
	}
	return int64(oldSz), nil
}

func (s *Syscalls) sysSetCrashStage(args [6]uint64) (int64, error) {
	s.Log.CrashStage = argint(args, 0)
	return 0, nil
}

func (s *Syscalls) sysKlogDump(p *proc.Proc, args [6]uint64) (int64, error) {
	addr := argaddr(args, 0)
	max := argint(args, 1)
	if max < 0 {
		return -1, nil
	}
	lines := s.Klog.Dump()
	blob := []byte{}
	for _, l := range lines {
		blob = append(blob, []byte(l)...)
		blob = append(blob, '\n')
	}
	if len(blob) > max {
		blob = blob[:max]
	}
	if addr != 0 && len(blob) > 0 {
		if err := vm.Copyout(p.AS, addr, blob); err != nil {
			return -1, nil
		}
	}
	return int64(len(blob)), nil
}

func (s *Syscalls) sysKlogSetThreshold(args [6]uint64) (int64, error) {
	record := argint(args, 0)
	console := argint(args, 1)
	if !klog.ValidLevel(record) || !klog.ValidLevel(console) {
		return -1, nil
	}
	s.Klog.SetThresholds(klog.Level(record), klog.Level(console))
	return 0, nil
}

// sysRead/sysWrite stage through a kernel buffer since file.Table's
// Read/Write work on plain []byte, then cross the user/kernel boundary
// with Copyout/Copyin, mirroring fileread/filewrite's own
// either_copyout/either_copyin split in sysfile.c.
func (s *Syscalls) sysRead(p *proc.Proc, args [6]uint64) (int64, error) {
	f, _, err := argfd(p, args, 0)
	if err != nil {
		return -1, nil
	}
	addr := argaddr(args, 1)
	n := argint(args, 2)
	if n < 0 {
		return -1, nil
	}
	buf := make([]byte, n)
	got, err := s.Files.Read(f, buf)
	if err != nil && got == 0 {
		return -1, nil
	}
	if got > 0 {
		if err := vm.Copyout(p.AS, addr, buf[:got]); err != nil {
			return -1, nil
		}
	}
	return int64(got), nil
}

func (s *Syscalls) sysWrite(p *proc.Proc, args [6]uint64) (int64, error) {
	f, _, err := argfd(p, args, 0)
	if err != nil {
		return -1, nil
	}
	addr := argaddr(args, 1)
	n := argint(args, 2)
	if n < 0 {
		return -1, nil
	}
	buf := make([]byte, n)
	if err := vm.Copyin(p.AS, buf, addr, n); err != nil {
		return -1, nil
	}
	wrote, err := s.Files.Write(f, buf)
	if err != nil && wrote == 0 {
		return -1, nil
	}
	return int64(wrote), nil
}

func (s *Syscalls) sysClose(p *proc.Proc, args [6]uint64) (int64, error) {
	f, fd, err := argfd(p, args, 0)
	if err != nil {
		return -1, nil
	}
	p.Files[fd] = nil
	s.Files.Close(f)
	return 0, nil
}

func (s *Syscalls) sysDup(p *proc.Proc, args [6]uint64) (int64, error) {
	f, _, err := argfd(p, args, 0)
	if err != nil {
		return -1, nil
	}
	fd := fdalloc(p, s.Files.Dup(f))
	if fd < 0 {
		return -1, nil
	}
	return int64(fd), nil
}

const openCreate = 0x200 // O_CREATE, matching user/ulib.c's fcntl.h constant

// sysOpen parses path and mode, supporting the same three cases
// sysfile.c's sys_open does: the console special path, O_CREATE, and
// plain namei, with console mapped onto this rewrite's file.KindDevice
// instead of a devsw table lookup.
func (s *Syscalls) sysOpen(p *proc.Proc, args [6]uint64) (int64, error) {
	path, err := argstr(p, args, 0, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	omode := argint(args, 1)
	const oWronly, oRdwr = 0x1, 0x2
	readable := omode&oWronly == 0
	writable := omode&oWronly != 0 || omode&oRdwr != 0

	if path == "console" || path == "/dev/console" {
		f := s.Files.Alloc()
		if f == nil {
			return -1, nil
		}
		f.Kind = file.KindDevice
		f.Readable, f.Writable = readable, writable
		f.Major = 1
		fd := fdalloc(p, f)
		if fd < 0 {
			s.Files.Close(f)
			return -1, nil
		}
		return int64(fd), nil
	}

	s.Log.Begin()
	defer s.Log.End()

	var ip *fs.Inode
	if omode&openCreate != 0 {
		ip, err = s.FS.Create(ustr.MkUstrSlice([]byte(path)), p.Cwd, fs.TypeFile, 0, 0)
	} else {
		ip, err = s.FS.Open(ustr.MkUstrSlice([]byte(path)), p.Cwd)
	}
	if err != nil {
		return -1, nil
	}
	if ip.Type == fs.TypeDir && (writable) {
		s.FS.Iunlock(ip)
		s.FS.Iput(ip)
		return -1, nil
	}

	f := s.Files.Alloc()
	if f == nil {
		s.FS.Iunlock(ip)
		s.FS.Iput(ip)
		return -1, nil
	}
	if ip.Type == fs.TypeDevice {
		f.Kind = file.KindDevice
		f.Major = ip.Major
	} else {
		f.Kind = file.KindInode
		f.Ip = ip
	}
	f.Readable, f.Writable = readable, writable
	fd := fdalloc(p, f)
	if fd < 0 {
		s.Files.Close(f)
		s.FS.Iunlock(ip)
		s.FS.Iput(ip)
		return -1, nil
	}
	s.FS.Iunlock(ip)
	return int64(fd), nil
}

func (s *Syscalls) sysMknod(p *proc.Proc, args [6]uint64) (int64, error) {
	path, err := argstr(p, args, 0, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	major := int16(argint(args, 1))
	minor := int16(argint(args, 2))
	s.Log.Begin()
	defer s.Log.End()
	ip, err := s.FS.Create(ustr.MkUstrSlice([]byte(path)), p.Cwd, fs.TypeDevice, major, minor)
	if err != nil {
		return -1, nil
	}
	s.FS.Iunlock(ip)
	s.FS.Iput(ip)
	return 0, nil
}

func (s *Syscalls) sysUnlink(p *proc.Proc, args [6]uint64) (int64, error) {
	path, err := argstr(p, args, 0, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	s.Log.Begin()
	defer s.Log.End()
	if err := s.FS.Unlink(ustr.MkUstrSlice([]byte(path)), p.Cwd); err != nil {
		return -1, nil
	}
	return 0, nil
}

func (s *Syscalls) sysSymlink(p *proc.Proc, args [6]uint64) (int64, error) {
	target, err := argstr(p, args, 0, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	path, err := argstr(p, args, 1, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	s.Log.Begin()
	defer s.Log.End()
	if err := s.FS.Symlink(ustr.MkUstrSlice([]byte(path)), ustr.MkUstrSlice([]byte(target)), p.Cwd); err != nil {
		return -1, nil
	}
	return 0, nil
}

func (s *Syscalls) sysChdir(p *proc.Proc, args [6]uint64) (int64, error) {
	path, err := argstr(p, args, 0, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	s.Log.Begin()
	ip, err := s.FS.Open(ustr.MkUstrSlice([]byte(path)), p.Cwd)
	if err != nil {
		s.Log.End()
		return -1, nil
	}
	if ip.Type != fs.TypeDir {
		s.FS.Iunlock(ip)
		s.FS.Iput(ip)
		s.Log.End()
		return -1, nil
	}
	s.FS.Iunlock(ip)
	old := p.Cwd
	p.Cwd = ip
	if old != nil {
		s.FS.Iput(old)
	}
	s.Log.End()
	return 0, nil
}

// sysExec replaces p's address space with a freshly loaded program
// image, swapping in exec.Exec's result and tearing down the old
// address space only once the new one has been built successfully
// (never leaving p half-replaced on failure), matching exec_process's
// "old image survives a failed exec" rule.
func (s *Syscalls) sysExec(p *proc.Proc, args [6]uint64) (int64, error) {
	path, err := argstr(p, args, 0, limits.MAXPATH)
	if err != nil {
		return -1, nil
	}
	argvAddr := argaddr(args, 1)
	argv, err := s.fetchArgv(p, argvAddr)
	if err != nil {
		return -1, nil
	}

	res, err := exec.Exec(s.FS, s.Log, s.Alloc, ustr.MkUstrSlice([]byte(path)), p.Cwd, argv)
	if err != nil {
		return -1, nil
	}

	oldRoot, oldAlloc, oldSz := p.AS.Root, p.AS.Alloc, p.Sz
	p.AS = res.AS
	p.Sz = res.Sz
	riscv.DestroyPageTable(oldAlloc, oldRoot, oldSz)
	return int64(res.Argc), nil
}

// fetchArgv walks the user argv[] pointer array (NULL-terminated),
// copying each pointed-to string into a kernel []byte, the same shape
// exec.c's own argv-fetch loop builds before calling exec.
func (s *Syscalls) fetchArgv(p *proc.Proc, argvAddr uint64) ([][]byte, error) {
	var argv [][]byte
	for i := 0; i < limits.MAXARG; i++ {
		var ptrBuf [8]byte
		if err := vm.Copyin(p.AS, ptrBuf[:], argvAddr+uint64(i*8), 8); err != nil {
			return nil, err
		}
		ptr := uint64(0)
		for j := 7; j >= 0; j-- {
			ptr = ptr<<8 | uint64(ptrBuf[j])
		}
		if ptr == 0 {
			return argv, nil
		}
		buf := make([]byte, limits.MAXPATH)
		n, err := vm.CopyinStr(p.AS, buf, ptr)
		if err != nil {
			return nil, err
		}
		argv = append(argv, buf[:n])
	}
	return nil, fmt.Errorf("syscall: too many exec arguments")
}
