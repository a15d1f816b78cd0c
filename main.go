package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	EnvFiles   []string
}

// ProbeFlags holds flags for the probe command.
type ProbeFlags struct {
	IP string
}

// GenCertFlags holds flags for the gen-cert command.
type GenCertFlags struct {
	OutDir   string
	AppURI   string
	Hostname string
	Force    bool
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	root := createRootCommand(global)
	serve := createServeCommand(global)
	root.AddCommand(
		serve,
		createProbeCommand(global, &ProbeFlags{}),
		createGenCertCommand(global, &GenCertFlags{}),
	)
	// No subcommand means serve.
	root.RunE = serve.RunE
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "printerstatus",
		Short: "Label printer status service",
		Long: `printerstatus watches a label printer over OPC UA and serves its
live status over HTTP, server-sent events and WebSocket.

Examples:
  printerstatus                          # same as serve
  printerstatus serve --config printerstatus.yaml
  printerstatus probe --ip 192.168.1.50
  printerstatus gen-cert --out ./data/pki`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (yaml, toml or json; optional)")
	root.PersistentFlags().StringSliceVar(&flags.EnvFiles, "env-file", nil, "dotenv files to load (default .env)")
	return root
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the status service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), global)
		},
	}
}

func createProbeCommand(global *GlobalFlags, flags *ProbeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Read the printer status once and print it as JSON",
		Long: `Dial the printer, read every monitored node once and print the
resulting snapshot. Without --ip the printer IP from config.json is used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd.Context(), global, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.IP, "ip", "", "printer IPv4 address")
	return cmd
}

func createGenCertCommand(global *GlobalFlags, flags *GenCertFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed OPC UA client certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenCert(global, *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.OutDir, "out", "", "output directory (default <data_dir>/pki)")
	cmd.Flags().StringVar(&flags.AppURI, "uri", "", "application URI (default urn:<host>:printerstatus)")
	cmd.Flags().StringVar(&flags.Hostname, "host", "", "hostname for the certificate (default this host)")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing key pair")
	return cmd
}
