// Package ustr provides an immutable-by-convention byte-slice path type,
// adapted verbatim in spirit from the teacher's ustr package: the kernel
// never has a libc, so path strings are plain byte slices with a few
// path-shaped helper methods instead of the standard library's "path"
// package (which assumes a hosted OS already splitting these for you).
package ustr

// Ustr is a path or path component. Nil/empty means the empty string.
type Ustr []uint8

// Isdot reports whether the string is exactly ".".
func (us Ustr) Isdot() bool {
	return len(us) == 1 && us[0] == '.'
}

// Isdotdot reports whether the string is exactly "..".
func (us Ustr) Isdotdot() bool {
	return len(us) == 2 && us[0] == '.' && us[1] == '.'
}

// Eq reports whether us and s contain identical bytes.
func (us Ustr) Eq(s Ustr) bool {
	if len(us) != len(s) {
		return false
	}
	for i, v := range us {
		if v != s[i] {
			return false
		}
	}
	return true
}

// MkUstr returns an empty Ustr.
func MkUstr() Ustr { return Ustr{} }

// MkUstrDot returns a Ustr for ".".
func MkUstrDot() Ustr { return Ustr(".") }

// MkUstrRoot returns a Ustr for "/".
func MkUstrRoot() Ustr { return Ustr("/") }

// DotDot is a reusable Ustr for "..".
var DotDot = Ustr{'.', '.'}

// MkUstrSlice truncates buf at its first NUL byte (or returns it whole if
// there isn't one), turning a fixed-width NUL-padded on-disk name into a
// Ustr.
func MkUstrSlice(buf []uint8) Ustr {
	for i := 0; i < len(buf); i++ {
		if buf[i] == 0 {
			return buf[:i]
		}
	}
	return buf
}

// Extend returns a new Ustr equal to us + "/" + p.
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us), len(us)+1+len(p))
	copy(tmp, us)
	tmp = append(tmp, '/')
	return append(tmp, p...)
}

// ExtendStr is Extend with a Go string argument.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// IsAbsolute reports whether the path begins with '/'.
func (us Ustr) IsAbsolute() bool {
	return len(us) > 0 && us[0] == '/'
}

// IndexByte returns the index of the first occurrence of b, or -1.
func (us Ustr) IndexByte(b uint8) int {
	for i, v := range us {
		if v == b {
			return i
		}
	}
	return -1
}

// String converts the Ustr to a Go string, for printing and map keys.
func (us Ustr) String() string {
	return string(us)
}

// Split breaks a path into its components, ignoring repeated and
// leading/trailing slashes. Split("/a//b/") == []Ustr{"a","b"}.
func (us Ustr) Split() []Ustr {
	var parts []Ustr
	start := -1
	for i := 0; i <= len(us); i++ {
		atSep := i == len(us) || us[i] == '/'
		if !atSep && start < 0 {
			start = i
		} else if atSep && start >= 0 {
			parts = append(parts, us[start:i])
			start = -1
		}
	}
	return parts
}
