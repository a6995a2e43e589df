// Package console implements the console device of spec.md §6: the
// CONSOLE-major character device every process's stdin/stdout/stderr
// are opened against by proc.Table.UserInit. The UART itself is one of
// spec.md's named external collaborators (§1's "out of scope" list),
// so this package treats it as a plain io.ReadWriter supplied by the
// caller (cmd/kernel wires a real serial port or, in tests, an
// in-memory pipe) and implements only the line discipline spec.md
// actually specifies: CR->LF mapping, backspace erase, CSI-sequence
// discard, echo, and line-buffered reads.
//
// Grounded on original_source/riscv-os5/kernel/dev/console.c's
// consoleintr state machine, re-expressed without the teacher's own
// console code (absent from the retrieved pack) to draw from directly.
package console

import (
	"fmt"
	"io"

	"github.com/Jiadong-W/riscv-os/lock"
)

// Major is the device major number CONSOLE(=1) registers under, per
// spec.md §6.
const Major int16 = 1

const stagingSize = 128

const (
	backspace1 = 0x08
	backspace2 = 0x7f
	cr         = '\r'
	lf         = '\n'
	esc        = 0x1b
)

// Console is a line-buffered character device layered over uart, an
// external byte sink/source (the UART itself, out of this spec's
// scope per §1).
type Console struct {
	mu   lock.Spinlock_t
	uart io.ReadWriter

	// line holds bytes accumulated since the last delivered line; a
	// reader blocks (by polling, since there is no interrupt-driven
	// input path here) until a LF appears or the caller's buffer fills.
	line []byte
}

// New returns a console device backed by uart.
func New(uart io.ReadWriter) *Console {
	return &Console{uart: uart}
}

// Write copies src to the UART in chunks of at most 128 bytes, per
// spec.md's "write copies bytes to the UART with a 128-byte staging
// buffer."
func (c *Console) Write(src []byte) (int, error) {
	c.mu.Acquire()
	defer c.mu.Release()
	total := 0
	for total < len(src) {
		n := len(src) - total
		if n > stagingSize {
			n = stagingSize
		}
		var staging [stagingSize]byte
		copy(staging[:n], src[total:total+n])
		w, err := c.uart.Write(staging[:n])
		total += w
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Read delivers up to len(dst) bytes of one logical line: it consumes
// raw bytes from the UART one at a time, maps CR to LF, discards
// CSI escape sequences, erases on backspace, echoes every consumed
// byte, and stops at the first LF (included) or once dst is full.
func (c *Console) Read(dst []byte) (int, error) {
	c.mu.Acquire()
	defer c.mu.Release()

	got := 0
	for got < len(dst) {
		b, err := c.readByte()
		if err != nil {
			return got, err
		}
		if b == cr {
			b = lf
		}
		if b == esc {
			c.consumeCSI()
			continue
		}
		if b == backspace1 || b == backspace2 {
			if len(c.line) > 0 {
				c.line = c.line[:len(c.line)-1]
				if got > 0 {
					got--
				}
				fmt.Fprint(c.uart, "\b \b")
			}
			continue
		}
		c.line = append(c.line, b)
		c.uart.Write([]byte{b})
		dst[got] = b
		got++
		if b == lf {
			c.line = c.line[:0]
			return got, nil
		}
	}
	return got, nil
}

func (c *Console) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.uart, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// consumeCSI discards a CSI arrow-key sequence (ESC '[' final-byte),
// per spec.md's "ESC-sequences (CSI arrow keys) consumed and
// discarded."
func (c *Console) consumeCSI() {
	b, err := c.readByte()
	if err != nil || b != '[' {
		return
	}
	for {
		b, err := c.readByte()
		if err != nil {
			return
		}
		if b >= 0x40 && b <= 0x7e {
			return
		}
	}
}
