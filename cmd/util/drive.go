package util

import (
	"github.com/sidkik/sharedfs/pkg/config"
	"github.com/sidkik/sharedfs/pkg/drive"
)

// DriveConfig returns the drive configuration described by the user config.
// Unset fields keep the drive's defaults.
func DriveConfig(user config.User) drive.Config {
	cfg := drive.Config{
		Room:          user.Room,
		Signaling:     user.Signaling,
		Password:      user.Password,
		FilterBcConns: user.FilterBcConns,
	}
	if user.MaxConns != nil {
		cfg.MaxConns = *user.MaxConns
	}
	return cfg
}
