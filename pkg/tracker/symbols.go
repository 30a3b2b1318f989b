package tracker

import (
	"runtime"

	lru "github.com/hashicorp/golang-lru"

	"github.com/willibrandon/memtrack/pkg/recorder"
)

const maxWalkDepth = 4096

// symbolCache resolves program counters to frames, remembering recent results
type symbolCache struct {
	cache *lru.Cache
}

func newSymbolCache(size int) (*symbolCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &symbolCache{cache: cache}, nil
}

// frames resolves a pc returned by runtime.Callers. Inlined calls already
// have a pc of their own, so this is normally a single frame.
func (s *symbolCache) frames(pc uintptr) []recorder.Frame {
	if v, ok := s.cache.Get(pc); ok {
		return v.([]recorder.Frame)
	}

	var frames []recorder.Frame
	it := runtime.CallersFrames([]uintptr{pc})
	for {
		f, more := it.Next()
		if f.Function != "" && f.Function != "runtime.goexit" {
			frames = append(frames, recorder.Frame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	s.cache.Add(pc, frames)
	return frames
}

// walk returns the calling goroutine's stack, innermost first.
// skip 0 starts at the caller of walk.
func (s *symbolCache) walk(skip int) []recorder.Frame {
	pcs := make([]uintptr, 64)
	var n int
	for {
		n = runtime.Callers(skip+2, pcs)
		if n < len(pcs) || len(pcs) >= maxWalkDepth {
			break
		}
		pcs = make([]uintptr, len(pcs)*2)
	}

	stack := make([]recorder.Frame, 0, n)
	for _, pc := range pcs[:n] {
		stack = append(stack, s.frames(pc)...)
	}
	return stack
}

