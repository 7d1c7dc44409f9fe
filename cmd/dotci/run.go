package dotci

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/opnlabs/dotci/pkg/models"
	"github.com/opnlabs/dotci/pkg/release"
	"github.com/opnlabs/dotci/pkg/runner"
	"github.com/opnlabs/dotci/pkg/utils"
	"github.com/spf13/cobra"
)

var (
	event             string
	branch            string
	sha               string
	envVars           []string
	mountDockerSocket bool
	username          string
	password          string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return run(ctx)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Prints the jobs and coverage artifacts of the matrix",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := loadPipelineFile(jobFilePath)
		if err != nil {
			return err
		}
		jobs, err := runner.NewMatrix(file.Matrix).Expand()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tIMAGE\tARTIFACT")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", job.Key(), runner.Interpolate(file.Image, job), job.CoverageKey())
		}
		return w.Flush()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validates the pipeline file",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := loadPipelineFile(jobFilePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d jobs\n", file.Name, runner.NewMatrix(file.Matrix).Size())
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&event, "event", "push", "Triggering event: push, pull-request or release.")
	runCmd.Flags().StringVar(&branch, "branch", "", "Branch the run is for. Defaults to the checked out branch.")
	runCmd.Flags().StringVar(&sha, "sha", "", "Commit the run is for. Defaults to HEAD.")
	runCmd.Flags().BoolVarP(&mountDockerSocket, "mount-docker-socket", "m", false, "Mount docker socket into job containers.")
	runCmd.Flags().StringVarP(&username, "registry-username", "u", "", "Username for the container registry")
	runCmd.Flags().StringVarP(&password, "registry-password", "p", "", "Password / Token for the container registry")
	runCmd.Flags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Environment variables. KEY=VALUE")
}

func run(ctx context.Context) error {
	logger := utils.NewLogger(os.Stderr, logLevel)

	file, err := loadPipelineFile(jobFilePath)
	if err != nil {
		return err
	}
	ev, err := models.ParseEvent(event)
	if err != nil {
		return err
	}
	env, err := parseVariables(envVars)
	if err != nil {
		return err
	}

	commitSHA, currentBranch := sha, branch
	if commitSHA == "" || currentBranch == "" {
		headSHA, headBranch, err := release.ResolveHead(sourceDir(file))
		if err != nil {
			logger.Warn("unable to read git HEAD", "err", err)
		}
		if commitSHA == "" {
			commitSHA = headSHA
		}
		if currentBranch == "" {
			currentBranch = headBranch
		}
	}

	runID := uuid.NewString()
	o, err := newOrchestrator(ctx, file, runOptions{
		RunID:             runID,
		Event:             ev,
		Branch:            currentBranch,
		Env:               env,
		MountDockerSocket: mountDockerSocket,
		Username:          username,
		Password:          password,
	}, logger)
	if err != nil {
		return err
	}

	result, err := o.Run(ctx, &models.PipelineRun{
		ID:        runID,
		Event:     ev,
		Branch:    currentBranch,
		CommitSHA: commitSHA,
		Status:    models.RunPending,
	})
	if err != nil {
		return err
	}
	if code := result.ExitCode(); code != 0 {
		return exitCode(code)
	}
	return nil
}
