// Command wikiserv serves a read-only wiki/document tree with transformed,
// cached representations of each source file, and can also be invoked to
// run a single cache-scrub pass and exit. Grounded on
// takeshitakenji/wikiserv's server.py __main__ block and on mutagen's
// cobra-based cmd/mutagen root command structure.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/takeshitakenji/wikiserv/pkg/config"
	"github.com/takeshitakenji/wikiserv/pkg/logging"
	"github.com/takeshitakenji/wikiserv/pkg/server"
)

// version is set at release time; the placeholder below is used in
// development builds.
const version = "0.0.0-dev"

var rootConfiguration struct {
	configPath string
}

var rootCommand = &cobra.Command{
	Use:   "wikiserv",
	Short: "wikiserv serves a directory of documents with on-demand, cached transformations.",
}

var serveConfiguration struct {
	bindAddress string
	bindPort    int
}

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}
		if serveConfiguration.bindAddress != "" {
			cfg.BindAddress = serveConfiguration.bindAddress
		}
		if serveConfiguration.bindPort != 0 {
			cfg.BindPort = serveConfiguration.bindPort
		}

		logger := logging.NewRoot(cfg.LogLevel)
		srv, err := server.New(cfg, logger)
		if err != nil {
			return err
		}
		defer srv.Close()

		addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort)
		logger.Printf("listening on %s", addr)
		return http.ListenAndServe(addr, srv.Handler())
	},
}

var scrubCommand = &cobra.Command{
	Use:   "scrub",
	Short: "Run one cache scrub pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}
		logger := logging.NewRoot(cfg.LogLevel)
		srv, err := server.New(cfg, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
		return srv.ScrubAll()
	},
}

var versionCommand = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func loadConfiguration() (*config.Configuration, error) {
	if rootConfiguration.configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	f, err := os.Open(rootConfiguration.configPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return config.Load(f)
}

func init() {
	cobra.EnableCommandSorting = false

	rootCommand.PersistentFlags().StringVar(&rootConfiguration.configPath, "config", "", "Path to the XML configuration document")

	serveCommand.Flags().StringVar(&serveConfiguration.bindAddress, "bind-address", "", "Override the configured bind address")
	serveCommand.Flags().IntVar(&serveConfiguration.bindPort, "bind-port", 0, "Override the configured bind port")

	rootCommand.AddCommand(serveCommand, scrubCommand, versionCommand)
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
