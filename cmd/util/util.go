package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sharedfs/pkg/errors"
)

// exit is mocked in tests.
var exit = os.Exit

// HandleFatalError prints the user facing message of `err` and exits. The
// full error is logged at debug level.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(os.Stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the stack trace of a panic before exiting. It must be
// deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Debug("Panic")
		HandleFatalError(errors.Errorf("unexpected panic: %v", r))
	}
}
