package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	healthCmd.Flags().Bool("detailed", false, "Check every dependency of the pipeline")
	healthCmd.Flags().Bool("llm", false, "Probe the LLM service")
	healthCmd.MarkFlagsMutuallyExclusive("detailed", "llm")
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		detailed, _ := cmd.Flags().GetBool("detailed")
		llm, _ := cmd.Flags().GetBool("llm")

		switch {
		case detailed:
			report, err := apiClient.DetailedHealth(cmd.Context())
			if report.Status != "" {
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("pipeline is not healthy: %w", err)
			}
			return nil
		case llm:
			res, err := apiClient.LLMHealth(cmd.Context())
			if err != nil {
				return fmt.Errorf("llm probe failed: %w", err)
			}
			return printJSON(cmd, res)
		default:
			res, err := apiClient.HealthCheck(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return printJSON(cmd, res)
		}
	},
}

// GetHealthCmd returns the health command
func GetHealthCmd() *cobra.Command {
	return healthCmd
}
