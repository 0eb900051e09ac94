package media

import "sync/atomic"

// StopFlag is a one-shot cancellation signal for a long-running playback,
// set from a button callback and observed by the pipeline between chunks.
// The zero value is ready to use.
type StopFlag struct {
	set atomic.Bool
}

// Stop raises the flag.
func (f *StopFlag) Stop() { f.set.Store(true) }

// Stopped reports whether the flag is raised. A nil flag is never raised.
func (f *StopFlag) Stopped() bool { return f != nil && f.set.Load() }

// Clear lowers the flag.
func (f *StopFlag) Clear() {
	if f != nil {
		f.set.Store(false)
	}
}

// Take lowers the flag and reports whether it was raised.
func (f *StopFlag) Take() bool { return f != nil && f.set.Swap(false) }
