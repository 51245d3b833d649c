// Package log provides the bracket-tagged printf logging used across this
// module. It exists so the prefix/output can be swapped in tests without
// pulling in a structured logging dependency the rest of the stack doesn't
// use.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects log output. Tests use this to capture lines.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// Printf writes a "[tag] message" line.
func Printf(tag, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "[%s] %s\n", tag, fmt.Sprintf(format, args...))
}
