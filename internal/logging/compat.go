package logging

import (
	"fmt"
)

// Panicf logs at Error level and then panics. Reserved for invariant
// violations that indicate a bug in the caller or in this package, never for
// ordinary runtime failures (bad input, lost packets, peer misbehavior).
//
// Library code must not call os.Exit, so the Fatal/Fatalln family from the
// standard 'log' package is intentionally not mirrored here.
func (log *Logger) Panicf(format string, v ...interface{}) {
	s := fmt.Sprintf(format, v...)
	log.Log(Error, 1, s)
	panic(s)
}
