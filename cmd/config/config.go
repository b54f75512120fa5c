package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/sharedfs/cmd/util"
	"github.com/sidkik/sharedfs/pkg/config"
	"github.com/sidkik/sharedfs/pkg/drive"
	"github.com/sidkik/sharedfs/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	stdin           io.Reader = os.Stdin
	parseUserConfig           = config.ParseUser
	writeUserConfig           = config.WriteUser
	newRoomName               = func() string { return "sharedfs-" + uuid.NewString() }
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	var signaling string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the sharedfs user configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if signaling != "" {
				cliOpts.Signaling = splitList(signaling)
			}

			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.Room, "room", "",
		"Set the room in the config. "+
			"Optional: If not set, `sharedfs config` will interactively prompt.")
	cmd.Flags().StringVar(&signaling, "signaling", "",
		"Set the comma separated signaling servers in the config. "+
			"Optional: If not set, `sharedfs config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Password, "password", "",
		"Set the password that seals the messages exchanged with peers.")
	cmd.Flags().StringVar(&cliOpts.MetricsAddress, "metrics-address", "",
		"Set the address `sharedfs mount` serves Prometheus metrics on.")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-room",
			short: "Get the currently configured room",
			fn:    func(cfg config.User) string { return cfg.Room },
		},
		{
			use:   "get-signaling",
			short: "Get the currently configured signaling servers",
			fn:    func(cfg config.User) string { return strings.Join(cfg.Signaling, ",") },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for the fields missing from `cliOpts`, and writes the
// resulting user config.
func SetupConfig(cliOpts config.User) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := writeUserConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func roomValidationFn(room string) (string, bool) {
	if room == "" {
		return "The room name can't be empty.", false
	}

	if strings.IndexFunc(room, unicode.IsSpace) >= 0 {
		return "The room name can't contain whitespace.", false
	}
	return "", true
}

func signalingValidationFn(servers string) (string, bool) {
	list := splitList(servers)
	if len(list) == 0 {
		return "At least one signaling server is required.", false
	}

	for _, server := range list {
		parsed, err := url.Parse(server)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			return fmt.Sprintf("%q isn't a ws:// or wss:// URL.", server), false
		}
	}
	return "", true
}

func splitList(list string) (items []string) {
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is. Fields set on the command line aren't prompted for.
func generateConfig(cliOpts config.User) (config.User, error) {
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := cliOpts
	if cfg.Password == "" {
		cfg.Password = currConfig.Password
	}
	if cfg.MetricsAddress == "" {
		cfg.MetricsAddress = currConfig.MetricsAddress
	}
	cfg.MaxConns = currConfig.MaxConns
	cfg.FilterBcConns = currConfig.FilterBcConns

	var prompts []prompt
	if cliOpts.Room == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the room to share the directory in.\n" +
				"Everyone who mounts a directory in the same room sees the same files.",
			prompt:        "Room",
			defaultAnswer: newRoomName(),
			currAnswer:    currConfig.Room,
			field:         &cfg.Room,
			validationFn:  roomValidationFn,
		})
	}

	var signaling string
	if len(cliOpts.Signaling) == 0 {
		prompts = append(prompts, prompt{
			helpString: "Enter the signaling servers peers meet through, separated by commas.\n" +
				"Run `sharedfs signal` to host your own.",
			prompt:        "Signaling servers",
			defaultAnswer: strings.Join(drive.DefaultSignaling, ","),
			currAnswer:    strings.Join(currConfig.Signaling, ","),
			field:         &signaling,
			validationFn:  signalingValidationFn,
		})
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	if signaling != "" {
		cfg.Signaling = splitList(signaling)
	}
	return cfg, nil
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			// Default to the first choice if user doesn't enter anything.
			choice := 1
			if choiceStr = strings.TrimRight(choiceStr, "\n"); choiceStr != "" {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}
