package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/objectfs/tiercache/internal/cache"
)

type namespaceReport struct {
	Name    string            `json:"name"`
	Entries []cache.EntryInfo `json:"entries"`
}

func newInspectCommand(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect [namespace...]",
		Short: "List namespaces and entry metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			names := args
			if len(names) == 0 {
				if names, err = store.Namespaces(); err != nil {
					return err
				}
			}

			reports := make([]namespaceReport, 0, len(names))
			for _, name := range names {
				tier, err := store.Namespace(name)
				if err != nil {
					return err
				}
				report := namespaceReport{Name: name, Entries: []cache.EntryInfo{}}
				for _, key := range tier.Keys() {
					if info, ok := tier.Describe(key); ok {
						report.Entries = append(report.Entries, info)
					}
				}
				reports = append(reports, report)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAMESPACE\tKEY\tAGE\tSCHEMA\tSIZE")
			now := time.Now()
			for _, r := range reports {
				for _, e := range r.Entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
						r.Name, e.Key, now.Sub(e.Timestamp).Truncate(time.Second), e.SchemaVersion, e.Size)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <namespace> <key>",
		Short: "Print a stored payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			tier, err := store.Namespace(args[0])
			if err != nil {
				return err
			}
			entry, ok, err := tier.Get(cmd.Context(), args[1])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s/%s: not found", args[0], args[1])
			}
			_, err = cmd.OutOrStdout().Write(entry.Payload)
			return err
		},
	}
}

func newPurgeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge [namespace...]",
		Short: "Delete stored entries, all namespaces by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			names := args
			if len(names) == 0 {
				if names, err = store.Namespaces(); err != nil {
					return err
				}
			}
			for _, name := range names {
				if err := store.Purge(name); err != nil {
					return err
				}
				a.logger.WithField("namespace", name).Info("Purged namespace")
			}
			return nil
		},
	}
}
