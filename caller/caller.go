// Package caller dumps goroutine call stacks, adapted from the teacher's
// caller package. The kernel uses it from panic recovery in cmd/kernel
// and from klog's high-severity path so a fatal structural-consistency
// panic (spec.md §7) always leaves a stack trace behind it.
package caller

import (
	"fmt"
	"runtime"
)

// Dump renders the call stack starting start frames up from the caller,
// one "file:line" per line joined with "<-".
func Dump(start int) string {
	i := start
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}
