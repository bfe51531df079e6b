package resource

import (
	"context"
	"fmt"

	"github.com/tphakala/bankstream/internal/execqueue"
)

// Status is the lifecycle position of a resource
type Status uint32

const (
	Closed Status = iota
	Opening
	Opened
	Loading
	Loaded
	Unloading
	Closing
	// WillReload marks an unload that must be undone once it completes
	WillReload
	// CanReload means the engine copy is gone but the file is still open
	CanReload
	// WillReopen marks a close that must be undone once it completes
	WillReopen
	// CanReopen means the file is closed and a pending load will reopen it
	CanReopen
)

func (s Status) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Opening:
		return "Opening"
	case Opened:
		return "Opened"
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Unloading:
		return "Unloading"
	case Closing:
		return "Closing"
	case WillReload:
		return "WillReload"
	case CanReload:
		return "CanReload"
	case WillReopen:
		return "WillReopen"
	case CanReopen:
		return "CanReopen"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// IsBusy reports whether an asynchronous transition is in progress
func (s Status) IsBusy() bool {
	switch s {
	case Opening, Loading, Unloading, Closing, WillReload, WillReopen:
		return true
	default:
		return false
	}
}

// Origin tells why a reference is held
type Origin int

const (
	OriginLoad Origin = iota
	OriginStreaming
)

func (o Origin) String() string {
	if o == OriginStreaming {
		return "streaming"
	}
	return "load"
}

// UnloadResult is reported by Hooks.UnloadFromEngine
type UnloadResult int

const (
	// UnloadDone leaves the file open
	UnloadDone UnloadResult = iota
	// UnloadDeferred means the engine is still using the data, retry later
	UnloadDeferred
	// UnloadClosedFile means the unload also released the file
	UnloadClosedFile
)

func (r UnloadResult) String() string {
	switch r {
	case UnloadDone:
		return "done"
	case UnloadDeferred:
		return "deferred"
	case UnloadClosedFile:
		return "closed-file"
	default:
		return fmt.Sprintf("UnloadResult(%d)", int(r))
	}
}

// OpResult is reported by Hooks.CloseFile
type OpResult int

const (
	OpDone OpResult = iota
	OpDeferred
)

// Hooks are the kind-specific steps driven by a State. Every hook must call
// done exactly once, from any goroutine.
type Hooks interface {
	OpenFile(ctx context.Context, done func(error))
	LoadInEngine(ctx context.Context, done func(error))
	UnloadFromEngine(ctx context.Context, done func(UnloadResult))
	CloseFile(ctx context.Context, done func(OpResult))
}

// Streamed is implemented by hooks whose engine load only happens while a
// streaming reference is held
type Streamed interface {
	IsStreamed() bool
}

// Ticker redrains deferred work, usually an *execqueue.DeferredQueue run by
// the engine tick
type Ticker interface {
	AsyncDefer(fn execqueue.DeferredFunc)
}
