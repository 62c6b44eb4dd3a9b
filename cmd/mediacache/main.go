// Command mediacache runs a byte-range caching HTTP proxy, fronting
// origin media servers with a local sparse disk cache.
//
// The command tree follows rclone's cmd/ layout: a cobra.Command root
// binding pflag-registered flags, with config precedence (flag > env >
// file > default) resolved through internal/config's viper loader.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mediacache",
		Short: "HTTP caching reverse proxy for byte-range media requests",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (YAML/JSON/TOML)")
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
