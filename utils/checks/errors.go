// Package checks ends the process on unrecoverable errors. It is meant for commands, not for
// library code, which returns its errors.
package checks

import (
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// Check exits with the error logged at fatal level when err is not nil.
func Check(err error) {
	if err != nil {
		fatal(err, "fatal error")
	}
}

// CheckWithMessage is Check with a message describing what failed.
func CheckWithMessage(err error, message string) {
	if err != nil {
		fatal(err, message)
	}
}

func fatal(err error, message string) {
	entry := log.Fatal().Err(err)
	// the stack is only useful when debugging
	if log.DefaultLogger.Level <= log.DebugLevel {
		entry = entry.Str("stack", Stack(2))
	}
	entry.Msg(message)
}

// Stack returns the stack of the calling goroutine, starting skip frames above the caller of Stack.
func Stack(skip int) string {
	lines := strings.Split(strings.TrimSpace(string(debug.Stack())), "\n")
	// a header line, then two lines per frame, the first two frames being debug.Stack and Stack
	drop := 1 + 2*(skip+2)
	if drop >= len(lines) {
		return ""
	}
	return strings.Join(lines[drop:], "\n")
}
