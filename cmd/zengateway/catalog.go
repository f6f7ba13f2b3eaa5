package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"zengateway/internal/app"
	"zengateway/internal/catalog"
	"zengateway/internal/format"
)

const catalogFetchTimeout = 30 * time.Second

func init() {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect model catalogs",
	}
	catalogCmd.AddCommand(&cobra.Command{
		Use:   "check <source>",
		Short: "Parse and validate a catalog file or URL",
		Args:  cobra.ExactArgs(1),
		RunE:  runCatalogCheck,
	})
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogCheck(cmd *cobra.Command, args []string) error {
	raw, err := catalog.Fetch(cmd.Context(), args[0], catalogFetchTimeout)
	if err != nil {
		return err
	}
	formats := app.Formats()
	snap, err := catalog.Parse(raw, formats)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "catalog %s: %d providers, %d models (fingerprint %s)\n",
		args[0], len(snap.Providers()), len(snap.Models()), snap.Fingerprint())
	fmt.Fprintf(out, "formats: %s\n\n", formatList(formats))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tFORMAT\tAPI")
	for _, p := range snap.Providers() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.Format, p.API)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "MODEL\tINPUT $/M\tOUTPUT $/M\tANON\tPROVIDERS")
	for _, m := range snap.Models() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			m.ID, m.Cost.Input.USD(), m.Cost.Output.USD(), m.AllowAnonymous, providerList(m))
	}
	return tw.Flush()
}

func formatList(r *format.Registry) string {
	names := r.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}

func providerList(m *catalog.Model) string {
	parts := make([]string, 0, len(m.Providers))
	for _, p := range m.Providers {
		s := fmt.Sprintf("%s(w=%d)", p.ID, p.EffectiveWeight())
		if p.Disabled {
			s += "[disabled]"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}
