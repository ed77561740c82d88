package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/querynest/querynest/cmd/util"
	"github.com/querynest/querynest/lib/config"
	"github.com/querynest/querynest/lib/logging"
)

var (
	scanCmdConfig *config.Config
	ScanCmd       = &cobra.Command{
		Use:     "scan",
		Short:   "Run a one-shot scan of all configured instances",
		Long:    `Connect to all configured instances, scan them once, persist the results and print a summary. Useful for cron-driven setups and for seeding metadata before starting the server.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupScanFlags(ScanCmd)

	key := "full"
	ScanCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Force a full scan including field sampling, regardless of previous scan state"))

	key = "json"
	ScanCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Print the full scan results as JSON instead of a summary"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	conf, err := cmdUtil.GetConfig()
	if err != nil {
		return err
	}
	scanCmdConfig = conf
	return nil
}

// run performs the one-shot scan
func run(_ *cobra.Command, _ []string) error {
	log, err := logging.New(scanCmdConfig.LogLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := cmdUtil.Bootstrap(ctx, scanCmdConfig, log)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	results, err := app.Manager.ScanAllInstances(ctx, viper.GetBool("full"))
	if err != nil {
		return err
	}

	if viper.GetBool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	failed := 0
	for _, result := range results {
		if !result.Success {
			failed++
			fmt.Printf("%-20s FAILED  %s\n", result.InstanceName, result.Error)
			continue
		}
		fmt.Printf("%-20s OK      strategy=%s databases=%d collections=%d duration=%s\n",
			result.InstanceName, result.Strategy,
			len(result.Databases), len(result.Collections), result.Duration)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d instance scans failed", failed, len(results))
	}
	return nil
}
