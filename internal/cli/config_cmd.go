package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := os.Getenv("SLOTHIFY_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/slothify/config.json"
			}
			fmt.Printf("Config file: %s\n\n", cfgPath)

			out, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %v", err)
			}
			fmt.Println("configuration ok")
			return nil
		},
	})

	return cmd
}
