package main

import (
	"fmt"
	"os"

	"streamgate/pkg/config"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"

	configPath string
)

// default locations tried when --config is not given
var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/streamgate/config.yaml",
	"config.yaml",
}

var rootCmd = &cobra.Command{
	Use:   "streamgate",
	Short: "RTSP camera gateway serving HLS and WebRTC playback",
	Long: `streamgate pulls RTSP camera streams on demand through an external
transcoder and republishes them as rolling HLS playlists or WebRTC relays.
Viewers of the same camera and profile share one transcoder process.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, reapCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config when given. Otherwise it tries the default
// locations before falling back to built-in defaults.
func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", configPath, err)
		}
		return cfg, configPath, nil
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err != nil {
			return nil, "", fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, path, nil
	}
	// defaults plus environment overrides
	cfg, err := config.Load("")
	return cfg, "", err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "streamgate %s (%s)\n", version, commit)
	},
}
