package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStateCmd creates the 'state' subcommand: inspect what the store holds
// for a category without issuing any network requests.
func newStateCmd() *cobra.Command {
	var withProducts bool

	cmd := &cobra.Command{
		Use:   "state <category-key>",
		Short: "Shows the stored checkpoint, schema, and counts for a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			category := args[0]

			state, err := a.Store.ScrapeState(ctx, category)
			if err != nil {
				return fmt.Errorf("failed to read scrape state: %w", err)
			}
			fields, err := a.Store.DiscoveredFields(ctx, category)
			if err != nil {
				return fmt.Errorf("failed to read field schema: %w", err)
			}
			count, err := a.Store.ProductCount(ctx, category)
			if err != nil {
				return fmt.Errorf("failed to count products: %w", err)
			}

			out := map[string]any{
				"category":      category,
				"scrape_state":  state,
				"schema_fields": fields,
				"product_count": count,
			}
			if withProducts {
				products, err := a.Store.ProductsByCategory(ctx, category, true)
				if err != nil {
					return fmt.Errorf("failed to list products: %w", err)
				}
				out["products"] = products
			}
			return printJSON(cmd, out)
		},
	}

	cmd.Flags().BoolVar(&withProducts, "products", false, "include the category's stored products")

	return cmd
}
