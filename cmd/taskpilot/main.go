// taskpilot drives long-running coding-assistant sessions from a persistent
// task queue. The CLI is a thin shell over the daemon's UDS socket; list and
// status fall back to reading the store directly when no daemon is running.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/uds"
)

const version = "1.0.0"

// ExitUsageLimit is sysexits EX_TEMPFAIL: the operation is deferred behind a
// provider usage limit and will succeed later without intervention.
const ExitUsageLimit = 75

var baseDir string

func main() {
	// .env is optional; absence is the normal case.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Task queue and recovery engine for coding-assistant sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", defaultBaseDir(), "taskpilot state directory")

	rootCmd.AddCommand(
		newInitCmd(),
		newDaemonCmd(),
		newAddCmd(),
		newListCmd(),
		newRemoveCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newClearCmd(),
		newStatusCmd(),
		newCleanupCmd(),
		newWorkflowCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func defaultBaseDir() string {
	if v := os.Getenv("TASKPILOT_DIR"); v != "" {
		return v
	}
	return ".taskpilot"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskpilot version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskpilot %s\n", version)
		},
	}
}

// responseError carries the daemon's wire error so exit codes can key off it.
type responseError struct {
	Code    string
	Message string
}

func (e *responseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func exitCode(err error) int {
	if re, ok := err.(*responseError); ok && re.Code == uds.ErrCodeUsageLimit {
		return ExitUsageLimit
	}
	return 1
}

func dialDaemon() *uds.Client {
	return uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
}

// sendCommand performs one request/response cycle and unwraps wire errors.
func sendCommand(command string, params any) (json.RawMessage, error) {
	resp, err := dialDaemon().SendCommand(command, params)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, &responseError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return nil, fmt.Errorf("daemon rejected %s without detail", command)
	}
	return resp.Data, nil
}
