// Command hubsync keeps Jira tickets in step with active Security Hub
// findings for one account and region.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	_, _ = maxprocs.Set()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := new(rootFlags)

	root := &cobra.Command{
		Use:   "hubsync",
		Short: "Sync active Security Hub findings into Jira tickets",
		Long: `hubsync opens one Jira ticket per active Security Hub finding in the
current AWS account and region, and closes (or marks resolved) tickets whose
finding is no longer active.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "env files tried in order before reading the environment")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	root.AddCommand(
		newSyncCmd(flags),
		newPlanCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hubsync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("hubsync " + version)
		},
	}
}
