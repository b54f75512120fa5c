package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/sharedfs/pkg/errors"
)

// badYAMLTemplate is shown when a config file isn't valid YAML, or holds
// fields sharedfs doesn't know about. The YAML library drops the line of
// the error, so only its message is passed on.
const badYAMLTemplate = "sharedfs couldn't read its config at %q.\n" +
	"Check that every field is spelled correctly and has the right type, " +
	"or run `sharedfs config` to write a new one.\n\n" +
	"Parser error: %s"

type versioned interface {
	getVersion() string
}

// versionMismatch is returned for config files written by another version
// of sharedfs.
type versionMismatch struct {
	path, exp, actual string
}

func (err versionMismatch) Error() string {
	return err.FriendlyMessage()
}

func (err versionMismatch) FriendlyMessage() string {
	return fmt.Sprintf("The config at %q has version %q, but this sharedfs "+
		"reads version %q.\nRun `sharedfs config` to rewrite it.",
		err.path, err.actual, err.exp)
}

// readConfig decodes the YAML file at `path` into `config`. The version is
// checked before unknown fields, so that configs of other versions report
// the mismatch rather than their new fields.
func readConfig(path string, config versioned, expVersion string) error {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		if isNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	if err := yaml.Unmarshal(raw, config); err != nil {
		return errors.NewFriendlyError(badYAMLTemplate, path, err)
	}

	if actual := config.getVersion(); actual != expVersion {
		return versionMismatch{path, expVersion, actual}
	}

	if err := yaml.UnmarshalStrict(raw, config, yaml.DisallowUnknownFields); err != nil {
		return errors.NewFriendlyError(badYAMLTemplate, path, err)
	}
	return nil
}

// writeConfig encodes `config` as YAML to `path`. Only the owner can read
// the file since it may hold the room password.
func writeConfig(path string, config interface{}) error {
	raw, err := yaml.Marshal(config)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, raw, 0600); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func isNotExist(err error) bool {
	pathErr, ok := err.(*os.PathError)
	return ok && pathErr.Op == "open" && os.IsNotExist(pathErr)
}
