package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var sweepDryRun bool

// cron から1日1回程度呼ぶ想定
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Send due/overdue reminders and expire uncollected reservations",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "list pending reminders and expirations without sending")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.wire(); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if sweepDryRun {
		plan, err := a.sweeper.Plan(cmd.Context())
		if err != nil {
			return err
		}
		return enc.Encode(plan)
	}

	// 件数のログは Sweeper.Run が出す。ここでは結果を標準出力へ
	res, err := a.sweeper.Run(cmd.Context())
	if encErr := enc.Encode(res); encErr != nil && err == nil {
		err = encErr
	}
	return err
}
