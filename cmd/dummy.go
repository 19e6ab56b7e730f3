package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vuramp/internal/config"
	"vuramp/internal/dummy"
	"vuramp/internal/logging"
)

// --- Dummy Subcommand ---
var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run the local dummy target server",
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		host, _ := cmd.Flags().GetString("host")

		logger, err := logging.New(viper.GetString(config.KeyLogLevel), viper.GetString(config.KeyLogFormat), os.Stderr)
		if err != nil {
			configError(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := dummy.Start(ctx, dummy.ServerConfig{Host: host, Port: port}, logger); err != nil {
			logger.WithError(err).Error("Dummy server failed")
			os.Exit(1)
		}
	},
}

func init() {
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
	dummyCmd.Flags().String("host", "", "Interface to listen on (default all)")
}
