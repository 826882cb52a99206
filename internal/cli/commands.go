// Package cli wires the cobra command tree: apply and resume drive the
// update pipeline, version prints build information.
package cli

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/slotwise/slotwise/internal/version"
	"github.com/slotwise/slotwise/pkg/logging"
	"github.com/spf13/cobra"
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	var verbosity int

	rootCmd := &cobra.Command{
		Use:   "slotwise",
		Short: "An A/B OS update payload applier",
		Long: `slotwise applies OS update payloads to the inactive slot of an A/B
partitioned system: block-level install operations written directly or through
a copy-on-write log, followed by per-partition postinstall execution. Progress
is checkpointed so an interrupted update resumes where it left off.`,
		Version: version.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Setup logging based on verbosity
			logging.SetupLogger(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		DisableAutoGenTag: true,
	}

	// Global flags
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newResumeCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print detailed version information including commit hash and build date`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("slotwise version %s\n", version.Version)
			if version.Commit != "" {
				fmt.Printf("Commit: %s\n", version.Commit)
			}
			if version.Date != "" {
				fmt.Printf("Built:  %s\n", version.Date)
			}
		},
	}
}

func newApplyCmd() *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply an update payload from scratch",
		Long: `Apply starts a fresh update: any checkpoint or partial copy-on-write
state from an earlier attempt is discarded, then every partition in the plan
is written and postinstall programs are run.`,
		Example: `  # Apply an update
  slotwise apply --plan manifest.yaml --data payload.blob

  # Apply with debug logging
  slotwise -vv apply --plan manifest.yaml --data payload.blob`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.fresh = true
			return runApply(opts)
		},
	}
	addPayloadFlags(cmd, &opts)
	return cmd
}

func newResumeCmd() *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted update",
		Long: `Resume continues an interrupted update from its last checkpoint.
Partitions and operations already applied are skipped; at most one checkpoint
interval of work is redone. Without prior state it behaves like apply.`,
		Example: `  # Resume after an interruption
  slotwise resume --plan manifest.yaml --data payload.blob`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.fresh = false
			return runApply(opts)
		},
	}
	addPayloadFlags(cmd, &opts)
	return cmd
}

func addPayloadFlags(cmd *cobra.Command, opts *applyOptions) {
	cmd.Flags().StringVar(&opts.planPath, "plan", "", "Path to the install plan manifest (YAML)")
	cmd.Flags().StringVar(&opts.dataPath, "data", "", "Path to the payload data blob")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("data")
}
