// Package lift reconstructs register-allocated machine functions from the
// finalized machine code of loaded GPU code objects.
//
// A kernel is lifted at most once; the resulting representation holds an IR
// module declaring the kernel, its device functions and referenced globals,
// together with one machine function per declared function. Clones of a
// lifted representation may be mutated independently.
package lift

import (
	"io"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
)

var (
	// dbg is a logger which logs debug messages with "lift:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("lift:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// SetDebugOutput sets the output destination of debug messages.
func SetDebugOutput(w io.Writer) {
	dbg.SetOutput(w)
}

// SetWarningOutput sets the output destination of warning messages.
func SetWarningOutput(w io.Writer) {
	warn.SetOutput(w)
}
