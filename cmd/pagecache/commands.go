package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/oriys/pagecache/internal/cache"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe the cache backend servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			client, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Driver: %s\n", client.Kind())
			health, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("backend not alive: %w", client.Err())
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SERVER\tSTATUS")
			for _, addr := range health.Servers() {
				fmt.Fprintf(w, "%s\t%s\n", addr, health[addr])
			}
			return w.Flush()
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the cached value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			client, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			val, err := client.Get(ctx, args[0])
			if errors.Is(err, cache.ErrNotFound) {
				return fmt.Errorf("%s: not found", args[0])
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(val)
			return err
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> [value|-]",
		Short: "Store a value; reads stdin when the value is - or omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := argOrStdin(cmd, args, 1)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			client, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Set(ctx, args[0], value)
		},
	}
}

func storeCmd() *cobra.Command {
	var (
		identity   string
		resourceID string
		dataFile   string
		meta       string
	)

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store a rendered page with its meta and id-index entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			var data []byte
			var err error
			if dataFile == "" || dataFile == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(dataFile)
			}
			if err != nil {
				return fmt.Errorf("read page data: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			client, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			return client.Store(ctx, cache.Page{
				Identity:   identity,
				ResourceID: resourceID,
				Data:       data,
				Meta:       []byte(meta),
			})
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "Cache identity (key suffix) of the page")
	cmd.Flags().StringVar(&resourceID, "resource-id", "", "Resource ID to index the page under")
	cmd.Flags().StringVar(&dataFile, "data", "-", "File holding the rendered page (- for stdin)")
	cmd.Flags().StringVar(&meta, "meta", "", "Metadata stored next to the page")
	return cmd
}

func clearCmd() *cobra.Command {
	var broadcast bool

	cmd := &cobra.Command{
		Use:   "clear [resource-id]",
		Short: "Invalidate one resource, or flush the cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resourceID string
			if len(args) == 1 {
				resourceID = args[0]
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()

			if broadcast {
				if cfg.Bus.Addr == "" {
					return fmt.Errorf("--broadcast needs bus.addr or PAGECACHE_BUS_ADDR")
				}
				rdb := busClient(cfg)
				defer rdb.Close()
				bus := cache.NewInvalidationBus(rdb, cfg.Bus.Channel)
				return bus.Publish(ctx, cfg.SiteKey(), resourceID)
			}

			client, err := openClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Clear(ctx, resourceID)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res)
			return err
		},
	}

	cmd.Flags().BoolVar(&broadcast, "broadcast", false, "Publish the clear on the invalidation bus instead of applying it here")
	return cmd
}

func argOrStdin(cmd *cobra.Command, args []string, i int) ([]byte, error) {
	if len(args) > i && args[i] != "-" {
		return []byte(args[i]), nil
	}
	return io.ReadAll(cmd.InOrStdin())
}
