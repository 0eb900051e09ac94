// Package voiceerr defines the error taxonomy shared by the capture, playback
// and dispatch layers.
//
// Each category has a sentinel (for errors.Is) and a concrete type carrying
// the failing operation (for errors.As):
//
//   - [DeviceError]: capture or playback device cannot be opened or read.
//     Fatal to the current operation and never retried.
//   - [TranscodeError]: the converter subprocess exited nonzero or broke its
//     pipe. Aborts the current playback; the next call starts fresh.
//   - [BackendUnavailable]: an STT, TTS or generative backend failed or
//     returned nothing. Surfaced to the user as a fixed apology.
//   - [SkillInternalError]: network or parse failure inside a skill. Caught
//     at the skill boundary and turned into an apology string.
//   - [InvalidCommand]: a malformed structured command from the generative
//     backend. The skill answers with a re-prompt.
//
// Only DeviceError may terminate a high-level operation; see [Fatal].
package voiceerr

import (
	"errors"
	"fmt"
)

// Sentinels matched by the concrete types' Is methods.
var (
	ErrDevice             = errors.New("device error")
	ErrTranscode          = errors.New("transcode error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrSkillInternal      = errors.New("skill internal error")
	ErrInvalidCommand     = errors.New("invalid command")
)

// DeviceError reports a capture or playback device failure.
type DeviceError struct {
	// Op is the failing operation, e.g. "open input" or "read".
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error        { return e.Err }
func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// TranscodeError reports a converter subprocess failure.
type TranscodeError struct {
	// Stage names the failing process, e.g. "ffmpeg" or "yt-dlp".
	Stage string

	// ExitCode is the process exit status, or -1 if it did not exit normally.
	ExitCode int

	// Stderr holds the tail of the process' diagnostic output, if captured.
	Stderr string

	Err error
}

func (e *TranscodeError) Error() string {
	msg := fmt.Sprintf("transcode: %s (exit %d): %v", e.Stage, e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *TranscodeError) Unwrap() error        { return e.Err }
func (e *TranscodeError) Is(target error) bool { return target == ErrTranscode }

// BackendUnavailable reports that an external backend could not answer.
type BackendUnavailable struct {
	// Backend is one of "stt", "tts" or "llm".
	Backend string
	Err     error
}

func (e *BackendUnavailable) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s backend unavailable", e.Backend)
	}
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailable) Unwrap() error        { return e.Err }
func (e *BackendUnavailable) Is(target error) bool { return target == ErrBackendUnavailable }

// SkillInternalError reports a failure inside a skill.
type SkillInternalError struct {
	Skill string
	Err   error
}

func (e *SkillInternalError) Error() string {
	return fmt.Sprintf("skill %s: %v", e.Skill, e.Err)
}

func (e *SkillInternalError) Unwrap() error        { return e.Err }
func (e *SkillInternalError) Is(target error) bool { return target == ErrSkillInternal }

// InvalidCommand reports a structured command that could not be parsed.
type InvalidCommand struct {
	Skill   string
	Command string
	Err     error
}

func (e *InvalidCommand) Error() string {
	return fmt.Sprintf("skill %s: invalid command %q: %v", e.Skill, e.Command, e.Err)
}

func (e *InvalidCommand) Unwrap() error        { return e.Err }
func (e *InvalidCommand) Is(target error) bool { return target == ErrInvalidCommand }

// Fatal reports whether err must terminate the current high-level operation.
func Fatal(err error) bool {
	return errors.Is(err, ErrDevice)
}
