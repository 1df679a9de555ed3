package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"xccmsync/internal/agent"
	"xccmsync/internal/config"
	"xccmsync/internal/wal"
)

// previewLength is the number of content runes pending prints.
const previewLength = 40

var (
	pendingJSON  bool
	purgeOlder   time.Duration
	configForce  bool
	configFormat string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List changes not yet confirmed by the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		changes, err := e.log.GetUnsyncedChanges(cmd.Context())
		if err != nil {
			return err
		}
		return printChanges(cmd.OutOrStdout(), changes, pendingJSON)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Push unsynced changes to the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		rem, err := openRemote(cmd, e)
		if err != nil {
			return err
		}
		defer rem.Close()

		r := &agent.Replayer{Log: e.log, Saver: rem, Logger: e.logger}
		n, err := r.Run(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "settled %d change(s)\n", n)
		return err
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete synced changes older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if purgeOlder < 0 {
			return errors.New("--older-than must not be negative")
		}
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		n, err := e.log.PurgeSynced(cmd.Context(), purgeOlder)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d change(s)\n", n)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			path = config.ConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Write(config.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return encodeConfig(cmd.OutOrStdout(), cfg, configFormat)
	},
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "print changes as JSON lines")
	purgeCmd.Flags().DurationVar(&purgeOlder, "older-than", 24*time.Hour, "purge synced changes older than this")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "output format: toml, json or yaml")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

func printChanges(w io.Writer, changes []wal.LocalChange, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, c := range changes {
			if err := enc.Encode(c); err != nil {
				return err
			}
		}
		return nil
	}
	if len(changes) == 0 {
		fmt.Fprintln(w, "no pending changes")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tENTITY\tWRITTEN\tCONTENT")
	for _, c := range changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%q\n",
			c.ID, c.ContextKind, c.ContextID,
			c.Timestamp.Local().Format(time.DateTime), preview(c.Content))
	}
	return tw.Flush()
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength]) + "..."
}

func encodeConfig(w io.Writer, cfg *config.Config, format string) error {
	shown := cfg.Clone()
	if shown.Remote.Token != "" {
		shown.Remote.Token = "[REDACTED]"
	}
	switch format {
	case "toml", "":
		return toml.NewEncoder(w).Encode(shown)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(shown)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(shown)
	default:
		return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(config.SupportedConfigFormats(), ", "))
	}
}
