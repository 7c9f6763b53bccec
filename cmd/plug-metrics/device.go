package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sweeney/plug-metrics/internal/discovery"
	"github.com/sweeney/plug-metrics/internal/kasa"
	"github.com/sweeney/plug-metrics/internal/metrics"
	"github.com/sweeney/plug-metrics/internal/registry"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one discovery round and print the devices found",
	Long: `Broadcast one discovery probe, wait for the configured window and print
every plug that answered. With the sqlite backend the registry is updated
exactly as the daemon would.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

var infoCmd = &cobra.Command{
	Use:   "info ADDRESS",
	Short: "Print a plug's identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var readingCmd = &cobra.Command{
	Use:   "reading ADDRESS",
	Short: "Print a plug's current energy reading",
	Args:  cobra.ExactArgs(1),
	RunE:  runReading,
}

func init() {
	rootCmd.AddCommand(discoverCmd, infoCmd, readingCmd)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	cfg, ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	reg, closeReg, err := openRegistry(cfg.Registry)
	if err != nil {
		return err
	}
	defer closeReg()

	svc := discovery.New(
		discovery.NewUDPProber(cfg.Discovery.BroadcastIP, cfg.Discovery.Port),
		reg, cfg.Discovery, nil,
	)
	res, err := svc.Round(ctx)
	if err != nil {
		return err
	}
	printDevices(os.Stdout, res.Found)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	return printIdentity(ctx, os.Stdout, kasa.NewClient(cfg.Plug), args[0], cfg.Poll.DeviceTimeout.Duration)
}

func runReading(cmd *cobra.Command, args []string) error {
	cfg, ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	return printReading(ctx, os.Stdout, kasa.NewClient(cfg.Plug), args[0], cfg.Poll.DeviceTimeout.Duration)
}

func printDevices(w io.Writer, devices []registry.Device) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tADDRESS")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\n", d.Alias, d.Address)
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "found %d\n", len(devices))
}

func printIdentity(ctx context.Context, w io.Writer, f kasa.Fetcher, address string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := f.FetchIdentity(ctx, address)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Alias:     %s\n", id.Alias)
	fmt.Fprintf(w, "Model:     %s\n", id.Model)
	fmt.Fprintf(w, "MAC:       %s\n", id.MAC)
	fmt.Fprintf(w, "Hardware:  %s\n", id.HWVersion)
	fmt.Fprintf(w, "Software:  %s\n", id.SWVersion)
	return nil
}

func printReading(ctx context.Context, w io.Writer, f kasa.Fetcher, address string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r, err := f.FetchReading(ctx, address)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Voltage:  %s V\n", metrics.FormatValue(r.Voltage))
	fmt.Fprintf(w, "Current:  %s A\n", metrics.FormatValue(r.Current))
	fmt.Fprintf(w, "Power:    %s W\n", metrics.FormatValue(r.Power))
	return nil
}
