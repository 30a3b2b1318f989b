package instrumentation

import (
	"runtime"
	"strings"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

func noop() {}

// Enter reports entry into the calling function and returns a function
// that reports its return. Use it as
//
//	defer instrumentation.Enter()()
func Enter() func() {
	if CurrentObserver() == nil {
		return noop
	}
	pc, file, line, ok := runtime.Caller(1)
	if !ok {
		return noop
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return noop
	}
	frame := recorder.Frame{Function: fn.Name(), File: file, Line: line}
	if !ShouldInstrument(extractPackagePath(frame.Function)) {
		return noop
	}
	deliver(Call, frame)
	return func() { deliver(Return, frame) }
}

// FuncEntry reports entry into funcName
func FuncEntry(funcName string, file string, line int) {
	if !ShouldInstrument(extractPackagePath(funcName)) {
		return
	}
	deliver(Call, recorder.Frame{Function: funcName, File: file, Line: line})
}

// FuncExit reports the return of funcName
func FuncExit(funcName string, file string, line int) {
	if !ShouldInstrument(extractPackagePath(funcName)) {
		return
	}
	deliver(Return, recorder.Frame{Function: funcName, File: file, Line: line})
}

func deliver(ev Event, frame recorder.Frame) {
	if obs := CurrentObserver(); obs != nil {
		obs.Observe(ev, frame)
	}
}

// extractPackagePath extracts the package path from a full function name
func extractPackagePath(fullName string) string {
	lastSlash := strings.LastIndexByte(fullName, '/')
	if lastSlash < 0 {
		// No slash found, check for dot
		dotIndex := strings.IndexByte(fullName, '.')
		if dotIndex < 0 {
			return ""
		}
		return fullName[:dotIndex]
	}

	// Find the first dot after the last slash
	funcName := fullName[lastSlash+1:]
	dotIndex := strings.IndexByte(funcName, '.')
	if dotIndex < 0 {
		return ""
	}

	return fullName[:lastSlash+1+dotIndex]
}
