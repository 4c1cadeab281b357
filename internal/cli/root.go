package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wesleyorama2/surge/internal/logging"
)

// Build information, set with -ldflags at release time.
var (
	version   = "0.1.0"
	commit    = ""
	treeState = ""
	date      = ""
	builtBy   = ""
)

// envPrefix is prepended to flag names to form environment variables:
// --base-url is also read from SURGE_BASE_URL.
const envPrefix = "SURGE"

// ErrTestFailed is returned by the run command when thresholds fail or the
// run is aborted.
var ErrTestFailed = errors.New("test failed")

// NewRootCmd builds the surge command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "surge",
		Short: "Stage-driven virtual-user load runner",
		Long: `Surge drives HTTP load with virtual users that follow a staged
ramp-up/steady/ramp-down profile, records latency and named checks,
and evaluates pass/fail thresholds.

Run the built-in order/user workload against a local service:
  surge serve &
  surge run --stages "30s:10,1m:10,10s:0"

Run a test described in a configuration file:
  surge run --config test.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindFlags(cmd)
			if err != nil {
				return err
			}
			logging.Setup(cmd.ErrOrStderr(), v.GetString("log-level"))
			return nil
		},
	}

	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newHistoryCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// Execute runs the root command with os.Args.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil && !errors.Is(err, ErrTestFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// bindFlags returns a viper instance that resolves every flag of cmd from,
// in order, the command line, SURGE_* environment variables and the flag
// default.
func bindFlags(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("failed to bind flag %s: %w", f.Name, err)
		}
	})
	return v, bindErr
}
