package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meetmemo/pipeline/pkg/api/v1/client"
	"github.com/meetmemo/pipeline/pkg/api/v1/routes"
)

// flag names
const (
	flagServerAddress = "server-address"
	flagTimeout       = "timeout"
)

// environment variable names
const (
	envServerAddress = "MEETMEMO_SERVER_ADDRESS"
)

var (
	// apiClient is the shared API client instance
	apiClient client.Client
	// serverAddress holds the target API server address. Flag parsing sets this.
	serverAddress string
)

// initClient initializes the API client
func initClient(cmd *cobra.Command) error {
	opts := client.DefaultOptions()
	opts.BaseURL = serverAddress
	if timeout, err := cmd.Flags().GetDuration(flagTimeout); err == nil && timeout > 0 {
		opts.Timeout = timeout
	}

	var err error
	apiClient, err = client.NewClient(opts)
	return err
}

func init() {
	// PersistentPreRunE handles the env var override.
	RootCmd.PersistentFlags().StringVarP(&serverAddress, flagServerAddress, "s", routes.DefaultBaseURL,
		"Address of the pipeline API server (env: "+envServerAddress+")")
	RootCmd.PersistentFlags().Duration(flagTimeout, client.DefaultTimeout, "Timeout of a single API request")

	RootCmd.AddCommand(GetJobsCmd())
	RootCmd.AddCommand(GetHealthCmd())
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "meetmemo",
	Short: "meetmemo - command line interface for the meeting pipeline API",
	Long: `meetmemo submits meeting recordings to the transcription and summarization pipeline,
follows their progress and cancels them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// Tests install their own client
		if apiClient != nil {
			return nil
		}

		// Flag > Env Var > Default
		if !cmd.Flags().Changed(flagServerAddress) {
			if envAddr := os.Getenv(envServerAddress); envAddr != "" {
				serverAddress = envAddr
			}
		}
		if serverAddress == "" {
			return fmt.Errorf("server address cannot be empty")
		}
		return initClient(cmd)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return RootCmd.Execute()
}

// printJSON pretty prints v to the command output
func printJSON(cmd *cobra.Command, v interface{}) error {
	prettyJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("error formatting response: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(prettyJSON))
	return err
}
