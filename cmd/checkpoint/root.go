package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/d-sense/event-playback/internal/checkpoint"
	"github.com/d-sense/event-playback/internal/config"
	"github.com/d-sense/event-playback/internal/persistence"
	"github.com/d-sense/event-playback/pkg/aws"
	"github.com/d-sense/event-playback/pkg/logger"
)

type rootOptions struct {
	backend string
	file    string
	table   string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "checkpoint",
		Short:         "Inspect and maintain missed-events checkpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.cfg = config.Load()
			if opts.backend != "" {
				opts.cfg.CheckpointBackend = strings.ToLower(opts.backend)
			}
			if opts.file != "" {
				opts.cfg.CheckpointFile = opts.file
			}
			if opts.table != "" {
				opts.cfg.DynamoDBTableName = opts.table
			}
			return opts.cfg.Validate()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "checkpoint backend (file|dynamodb), overrides CHECKPOINT_BACKEND")
	cmd.PersistentFlags().StringVar(&opts.file, "file", "", "checkpoint file, overrides CHECKPOINT_FILE")
	cmd.PersistentFlags().StringVar(&opts.table, "table", "", "DynamoDB table, overrides DYNAMODB_TABLE_NAME")

	cmd.AddCommand(
		newShowCmd(opts),
		newResetCmd(opts),
		newSetupAWSCmd(opts),
	)
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "show [server...]",
		Short: "Print the stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.NewStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			slices, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}

			records := selectRecords(slices, args)
			switch output {
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			case "text":
				return printRecords(cmd, records)
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text|json)")
	return cmd
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <server>",
		Short: "Forget the checkpoint of a server",
		Long: "Forget the checkpoint of a server. The next catch-up of that server starts " +
			"from the time it reconnects. A running service keeps its own copy; reset it " +
			"through DELETE /v1/servers/<server>/checkpoint instead.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persistence.NewStore(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}

			book := checkpoint.NewBook(store)
			if err := book.Load(cmd.Context()); err != nil {
				return err
			}
			if book.Get(args[0]) == nil {
				return fmt.Errorf("no checkpoint stored for %s", args[0])
			}
			if err := book.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint of %s removed\n", args[0])
			return nil
		},
	}
}

func newSetupAWSCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup-aws",
		Short: "Create the checkpoint table and the delivery queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			awsCfg, err := aws.NewSession(cmd.Context(), opts.cfg)
			if err != nil {
				return fmt.Errorf("failed to create AWS session: %w", err)
			}

			log := logger.New(opts.cfg.LogLevel)
			log.SetOutput(cmd.ErrOrStderr())
			return persistence.NewInfrastructureManager(awsCfg, opts.cfg, log).SetupInfrastructure(cmd.Context())
		},
	}
}

func selectRecords(slices map[string]checkpoint.EventTimeSlice, servers []string) []checkpoint.Record {
	records := make([]checkpoint.Record, 0, len(slices))
	if len(servers) == 0 {
		for identity, slice := range slices {
			records = append(records, checkpoint.Record{Identity: identity, EventTimeSlice: slice})
		}
	} else {
		for _, identity := range servers {
			if slice, ok := slices[identity]; ok {
				records = append(records, checkpoint.Record{Identity: identity, EventTimeSlice: slice})
			}
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Identity < records[j].Identity })
	return records
}

func printRecords(cmd *cobra.Command, records []checkpoint.Record) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tCHECKPOINT\tEVENTS")
	for _, record := range records {
		keys := make([]string, 0, len(record.Events))
		for _, key := range record.Events {
			keys = append(keys, key.String())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			record.Identity,
			time.UnixMilli(record.Timestamp).UTC().Format(time.RFC3339),
			strings.Join(keys, ","),
		)
	}
	return w.Flush()
}
