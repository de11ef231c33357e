package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/incus-tools/converge/pkg/incus"
	"github.com/incus-tools/converge/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Converge - declarative state reconciliation for Incus",
	Long: `Converge reads a YAML plan describing the desired state of an Incus
server (storage pools, volumes, networks, profiles, images, instances,
snapshots) and reconciles the server towards it: missing resources are
created, drifted ones updated, and explicitly absent ones deleted.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Converge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("socket", "", "Incus Unix socket path (default "+incus.DefaultSocket+")")
	rootCmd.PersistentFlags().String("url", "", "Incus HTTPS endpoint (https://host:8443)")
	rootCmd.PersistentFlags().String("cert", "", "Client certificate path (PEM)")
	rootCmd.PersistentFlags().String("key", "", "Client key path (PEM)")
	rootCmd.PersistentFlags().Bool("insecure", false, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().Duration("timeout", 0, "Per-call API timeout")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON logs")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(historyCmd)
}

// clientFromFlags builds the API client from the global connection flags.
func clientFromFlags(cmd *cobra.Command) (*incus.Client, error) {
	socket, _ := cmd.Flags().GetString("socket")
	url, _ := cmd.Flags().GetString("url")
	cert, _ := cmd.Flags().GetString("cert")
	key, _ := cmd.Flags().GetString("key")
	insecure, _ := cmd.Flags().GetBool("insecure")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	return incus.New(incus.Config{
		Socket:             socket,
		URL:                url,
		TLSCert:            cert,
		TLSKey:             key,
		InsecureSkipVerify: insecure,
		Timeout:            timeout,
	})
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
