package dotci

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
)

// ExitConfig is the exit status for an unusable pipeline file or flags.
const ExitConfig = 4

var (
	jobFilePath string
	logLevel    string
	validate    *validator.Validate = validator.New(validator.WithRequiredStructEnabled())
)

// exitCode carries a run's exit status out of a command.
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

var rootCmd = &cobra.Command{
	Use:   "dotci",
	Short: "dotci is a local first CI/CD pipeline runner",
	Long: `dotci runs the pipeline defined in a file ( default dotci.yml ). Every
(platform, version) pair of the test matrix runs as an isolated job; once all
jobs pass, their coverage is merged and reported, and pushes to the trunk
branch may cut a release and publish it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&jobFilePath, "job-file-path", "f", "dotci.yml", "Path to the pipeline file.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error.")

	rootCmd.AddCommand(runCmd, planCmd, validateCmd, versionCmd)
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		log.Error(err)
		os.Exit(ExitConfig)
	}
}
