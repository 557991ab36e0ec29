package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultURL = "http://localhost:8080"

// Execute runs the CLI with the process arguments.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Settings resolve from flags, then
// AEX_* environment variables, then the config file.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "aexctl",
		Short: "aexctl is a command line tool for the agent exchange marketplace",
		Long: `aexctl talks to the marketplace HTTP API.

Common workflows:

  Post a job and let the simulated agents bid:
    aexctl post --type research --description "Summarize the report" --budget 5.00
    aexctl bids <job-id> --generate

  Rank the bids, accept one and verify the result:
    aexctl select <job-id>
    aexctl accept <job-id> <bid-id>
    aexctl verify <job-id>

Configuration:
  AEX_URL    API endpoint (default: http://localhost:8080)`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cfgFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.aexctl.yaml)")
	flags.String("url", defaultURL, "marketplace API URL")
	flags.Bool("json", false, "print raw JSON responses")
	flags.Duration("timeout", 10*time.Second, "request timeout")
	_ = v.BindPFlag("url", flags.Lookup("url"))
	_ = v.BindPFlag("json", flags.Lookup("json"))
	_ = v.BindPFlag("timeout", flags.Lookup("timeout"))

	v.SetEnvPrefix("AEX")
	v.AutomaticEnv()

	app := &app{v: v}
	root.AddCommand(
		newPostCmd(app),
		newJobsCmd(app),
		newBidsCmd(app),
		newSelectCmd(app),
		newAcceptCmd(app),
		newExecuteCmd(app),
		newVerifyCmd(app),
		newFailCmd(app),
		newAgentsCmd(app),
		newTransactionsCmd(app),
		newReconcileCmd(app),
	)
	return root
}

func loadConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigName(".aexctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || cfgFile == "" {
			return nil
		}
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

// app carries what every subcommand needs.
type app struct {
	v *viper.Viper
}

func (a *app) client() *apiClient {
	return newAPIClient(a.v.GetString("url"), a.v.GetDuration("timeout"))
}

// print writes v as JSON when --json is set, otherwise calls human.
func (a *app) print(cmd *cobra.Command, v any, human func()) error {
	if a.v.GetBool("json") {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}
