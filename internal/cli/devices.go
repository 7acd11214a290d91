package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/fmueller/voxmeet/internal/record"
	"github.com/spf13/cobra"
)

// describer is implemented by loopback drivers that can report what they
// would capture from.
type describer interface {
	Describe(ctx context.Context) (string, error)
}

func newDevicesCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List microphone backends and system audio diagnostics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backends := record.DefaultBackends(runtime.GOOS)
			if len(backends) == 0 {
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}

			out := cmd.OutOrStdout()
			if selected, err := record.SelectBackend(backends, app.cfg.Capture.Backend); err == nil {
				fmt.Fprintf(out, "Microphone backend: %s\n\n", selected.Name())
			} else {
				fmt.Fprintf(out, "Microphone backend: %v\n\n", err)
			}

			for _, backend := range backends {
				fmt.Fprintf(out, "== %s ==\n", backend.Name())
				if !backend.Available() {
					printSection(out, "not available on PATH")
					continue
				}

				listing, err := backend.ListDevices(cmd.Context())
				if err != nil {
					printSection(out, fmt.Sprintf("failed to list devices: %v", err))
					continue
				}
				printSection(out, listing)
			}

			fmt.Fprintln(out, "== system audio ==")
			driver, err := app.loopbackDriverFn(app.log())
			if err != nil {
				printSection(out, fmt.Sprintf("unavailable: %v", err))
				return nil
			}

			d, ok := driver.(describer)
			if !ok {
				printSection(out, "driver: "+driver.Name())
				return nil
			}
			listing, err := d.Describe(cmd.Context())
			if err != nil {
				printSection(out, fmt.Sprintf("failed to query %s: %v", driver.Name(), err))
				return nil
			}
			printSection(out, listing)
			return nil
		},
	}
}

func printSection(out io.Writer, body string) {
	if body == "" {
		body = "no output"
	}
	fmt.Fprintln(out, body)
	fmt.Fprintln(out)
}
