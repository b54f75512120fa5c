package util

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sidkik/sharedfs/pkg/config"
	"github.com/sidkik/sharedfs/pkg/drive"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/peer"
)

func mockExit() *[]int {
	var codes []int
	exit = func(code int) {
		codes = append(codes, code)
	}
	return &codes
}

func TestHandleFatalError(t *testing.T) {
	codes := mockExit()
	HandleFatalError(errors.WithContext(errors.NewFriendlyError("friendly %s", "message"), "context"))
	assert.Equal(t, []int{1}, *codes)
}

func TestHandlePanic(t *testing.T) {
	codes := mockExit()
	func() {
		defer HandlePanic()
		panic("boom")
	}()
	assert.Equal(t, []int{1}, *codes)

	// No panic, no exit.
	func() {
		defer HandlePanic()
	}()
	assert.Equal(t, []int{1}, *codes)
}

func TestDriveConfig(t *testing.T) {
	assert.Equal(t, drive.Config{}, DriveConfig(config.User{}))

	filter := false
	assert.Equal(t, drive.Config{
		Room:          "room",
		Signaling:     []string{"ws://localhost"},
		Password:      "secret",
		MaxConns:      peer.ConnLimit{Base: 3, Jitter: 1},
		FilterBcConns: &filter,
	}, DriveConfig(config.User{
		Room:           "room",
		Signaling:      []string{"ws://localhost"},
		Password:       "secret",
		MaxConns:       &peer.ConnLimit{Base: 3, Jitter: 1},
		FilterBcConns:  &filter,
		MetricsAddress: ":9090",
	}))
}
