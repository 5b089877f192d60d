package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "suitectl",
	Short: "suitectl runs test suites on the suiteplane engine",
	Long: `suitectl is the command-line interface for the suiteplane test-suite execution engine.

suiteplane expands a suite into one job per test case, runs the jobs on a pool
of workers, retries failures according to the execution policy and streams
progress while the suite runs.

Common workflows:

  Run a suite and follow it to the end:
    suitectl run smoke --watch

  Run with a custom retry policy and deadline:
    suitectl run regression --max-retries 1 --timeout 30m --fail-on-any

  Check or cancel an execution:
    suitectl status <execution-id>
    suitectl cancel <execution-id>

  Inspect attempts and archived reports:
    suitectl jobs <execution-id>
    suitectl reports --suite smoke

Configuration:
  Set the API endpoint via flag, environment variable or a config file:
    SUITEPLANE_URL    API endpoint (default: http://localhost:6161)`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".suitectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".suitectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "SUITEPLANE_VARNAME"
	viper.SetEnvPrefix("SUITEPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.suitectl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "suiteplane controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
}

func newClient() *SuiteClient {
	return NewSuiteClient(viper.GetString("url"))
}
