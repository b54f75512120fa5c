package config

import (
	"net/url"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/peer"
)

const (
	// UserConfigPath is the default path to the sharedfs user config.
	UserConfigPath = "~/.sharedfs.yaml"

	// InitialUserConfigVersion is the first version of the user config.
	// Config files that do not specify a version default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the version of the user config
	// understood by this binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User configures the room a drive shares its directory with. Fields that
// aren't set fall back to the drive's defaults.
type User struct {
	Version   string   `json:"version,omitempty"`
	Room      string   `json:"room,omitempty"`
	Signaling []string `json:"signaling,omitempty"`

	// Password seals the messages exchanged with peers.
	Password string `json:"password,omitempty"`

	MaxConns      *peer.ConnLimit `json:"maxConns,omitempty"`
	FilterBcConns *bool           `json:"filterBcConns,omitempty"`

	// MetricsAddress is the address `sharedfs mount` serves Prometheus
	// metrics on. Metrics aren't served if it's empty.
	MetricsAddress string `json:"metricsAddress,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser parses the user config stored at the default path. A missing
// config file isn't an error: the defaults are used instead.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := readConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			log.WithField("path", path).Debug("No user config, using defaults")
			return User{Version: SupportedUserConfigVersion}, nil
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if err := config.validate(); err != nil {
		return User{}, errors.NewFriendlyError("The sharedfs user config "+
			"at %q is invalid: %s", path, err)
	}
	return config, nil
}

func (u User) validate() error {
	for _, server := range u.Signaling {
		parsed, err := url.Parse(server)
		if err != nil {
			return errors.WithContext(err, "signaling server")
		}

		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return errors.Errorf("signaling server %q must be a ws:// or wss:// URL", server)
		}
	}

	if u.MaxConns != nil && (u.MaxConns.Base <= 0 || u.MaxConns.Jitter < 0) {
		return errors.New("maxConns.base must be positive, and maxConns.jitter can't be negative")
	}
	return nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	return writeConfig(path, cfg)
}

// GetUserConfigPath returns the path to the user's sharedfs configuration.
// This path is expanded, so it can be directly passed to file operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}
