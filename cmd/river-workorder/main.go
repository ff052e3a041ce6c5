package main

import (
	"fmt"
	"os"

	"river-workorder/internal/config"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFile string
	seedFile   string
)

var rootCmd = &cobra.Command{
	Use:   "river-workorder",
	Short: "River monitoring workorder and alarm lifecycle service",
	Long: `river-workorder 河道监测告警与工单流转服务

  river-workorder serve              # 启动 HTTP 服务与通知投递
  river-workorder migrate            # 初始化 / 升级 Postgres 表结构
  river-workorder seed -f org.yaml   # 导入区域、用户与维修工名额`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			_ = os.Setenv("CONFIG_FILE", configFile)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	serveCmd.Flags().StringVar(&seedFile, "seed", "", "YAML org seed applied before serving")
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "YAML org seed file")
	_ = seedCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
