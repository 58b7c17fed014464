package elfemit

import (
	"runtime"

	env "github.com/xyproto/env/v2"
)

// VerboseMode is a package-level tracing switch the caller flips on, the
// same idiom the teacher uses instead of a logging library. No code in
// this package reads it, so setting it produces no extra output.
var VerboseMode = false

// Default environment variable names read for Args defaults.
const (
	EnvThreads = "ELFEMIT_THREADS"
	EnvOutput  = "ELFEMIT_OUTPUT"
)

// DefaultArgs builds an Args with NumThreads and OutputPath sourced
// from the environment (falling back to GOMAXPROCS and "a.out"), and
// everything else at its static-executable default. CLI parsing on top
// of this is the caller's job (see cmd/elfemit-demo).
func DefaultArgs() Args {
	return Args{
		PIE:        false,
		LinkStatic: true,
		StripAll:   false,
		NumThreads: env.Int(EnvThreads, runtime.GOMAXPROCS(0)),
		TLSMode:    TLSModeLocalExec,
		OutputPath: env.Str(EnvOutput, "a.out"),
	}
}
