// @title       Library API
// @version     1.0
// @description 図書館の蔵書・貸出・予約 API
// @BasePath    /api/v1
// @securityDefinitions.apikey BearerAuth
// @in   header
// @name Authorization
package main

import (
	"os"

	"github.com/spf13/cobra"

	"library-backend/internal/platform/config"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "library",
		Short:        "Library circulation backend",
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config.yaml")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
