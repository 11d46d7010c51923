package caf

import (
	"os"

	"github.com/NITIALODDS/OpenCoarrays/internal/utils"
)

// failSelfer is the optional transport hook for voluntary image failure.
// Transports without it fall back to process exit.
type failSelfer interface {
	FailSelf()
}

// StopNumeric performs a normal stop with a numeric code: publish the
// stopped status, tear down collectively, and hand the code back for the
// process exit.
func (r *Runtime) StopNumeric(code int) int {
	r.log.Debug("image stopping", utils.Int("code", code))
	if err := r.finalizeWith(StatStoppedImage); err != nil {
		r.log.Warn("stop finalize failed", utils.Err(err))
	}
	return code
}

// StopStr performs a normal stop with a message. The message prints to
// stdout per the stop-code rules; the exit code is zero.
func (r *Runtime) StopStr(msg string) int {
	if msg != "" {
		os.Stdout.WriteString("STOP " + msg + "\n")
	}
	return r.StopNumeric(0)
}

// ErrorStop terminates the whole job with a nonzero code. Unlike a normal
// stop it does not wait for the other images.
func (r *Runtime) ErrorStop(code int) {
	if code == 0 {
		code = 1
	}
	r.log.Error("error stop", utils.Int("code", code))
	r.mu.Lock()
	r.finalized = true
	r.mu.Unlock()
	r.publishStatus(StatStoppedImage)
	r.tp.Abort(code)
}

// ErrorStopStr terminates the whole job with a message on stderr
func (r *Runtime) ErrorStopStr(msg string) {
	if msg != "" {
		os.Stderr.WriteString("ERROR STOP " + msg + "\n")
	}
	r.ErrorStop(1)
}

// FailImage makes this image fail without warning the others: the
// transport drops it mid-job when it can, otherwise the process dies. The
// survivors observe the failure, not a stop.
func (r *Runtime) FailImage() {
	r.log.Warn("image failing by request")
	r.mu.Lock()
	r.finalized = true
	r.mu.Unlock()
	if fs, ok := r.tp.(failSelfer); ok {
		fs.FailSelf()
		return
	}
	os.Exit(137)
}
