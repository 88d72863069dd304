package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/IshaanNene/pricewatch/internal/stores"
)

// storesCmd creates the "stores" subcommand group.
func storesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stores",
		Short: "Inspect and validate store definitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a shared store definition (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return eris.Wrapf(err, "read %s", args[0])
			}
			msgs := stores.Validate(raw)
			if len(msgs) == 0 {
				fmt.Println("Store definition is valid")
				return nil
			}
			for _, m := range msgs {
				fmt.Println("  - " + m)
			}
			return eris.Errorf("%d validation problems in %s", len(msgs), args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the stores loaded from stores_file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			reg := stores.NewRegistry(cfg.Defaults, logger)
			if _, err := reg.LoadFile(cfg.StoresFile); err != nil {
				return err
			}
			for _, s := range reg.All() {
				domains := make([]string, 0, len(s.Domains))
				for _, d := range s.Domains {
					domains = append(domains, d.Domain)
				}
				fmt.Printf("%3d  %-20s %-8s %s\n", s.ID, s.Name, s.Settings.ScraperService, domains)
			}
			return nil
		},
	})
	return cmd
}
