package gorules

import (
	"github.com/quasilyte/go-ruleguard/dsl"
)

// Use xerrors everywhere! It provides additional stacktrace info!
//nolint:unused,deadcode,varnamelen
func xerrors(m dsl.Matcher) {
	m.Import("errors")
	m.Import("fmt")
	m.Import("golang.org/x/xerrors")

	m.Match("fmt.Errorf($*args)").
		Suggest("xerrors.Errorf($args)").
		Report("Use xerrors to provide additional stacktrace information!")

	m.Match("errors.New($msg)").
		Where(m["msg"].Type.Is("string")).
		Suggest("xerrors.New($msg)").
		Report("Use xerrors to provide additional stacktrace information!")
}

// Timers must come from an injected quartz.Clock so tests can drive
// them deterministically.
//nolint:unused,deadcode,varnamelen
func untestableTimers(m dsl.Matcher) {
	m.Import("time")

	m.Match("time.AfterFunc($d, $f)").
		Report("Use the injected quartz.Clock's AfterFunc so tests can control time.")

	m.Match("time.NewTimer($d)").
		Report("Use the injected quartz.Clock's NewTimer so tests can control time.")
}
