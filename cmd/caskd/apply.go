package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coldstor/caskd/pkg/dss"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Register devices and media from an inventory file",
	Long: `Apply a device and media inventory from a YAML file.

Examples:
  # Register the drives and cartridges of this host
  caskd apply -f inventory.yaml --data-dir /var/lib/caskd`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML inventory to apply (required)")
	applyCmd.Flags().String("data-dir", "/var/lib/caskd", "metadata store directory")
	applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	inv, err := dss.ParseInventory(data)
	if err != nil {
		return err
	}

	store, err := dss.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := inv.Apply(store); err != nil {
		return err
	}
	fmt.Printf("Applied %d device(s) and %d medium(s)\n", len(inv.Devices), len(inv.Media))
	return nil
}
