package main

import (
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/internal/rules"
)

var commandCheck = &cli.Command{
	Name:  "check",
	Usage: "validate a configuration and list its slots",
	Flags: []cli.Flag{
		configFlag,
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String(configFlag.Name))
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		if _, err := rules.Compile(cfg.Slots, zerolog.Nop()); err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}

		out := c.App.Writer
		fmt.Fprintf(out, "Store: %s", cfg.Store.Backend)
		if cfg.Store.Path != "" {
			fmt.Fprintf(out, " (%s)", cfg.Store.Path)
		}
		fmt.Fprintf(out, ", %d partition(s), %s time, batch every %s\n",
			cfg.Batch.Partitions, cfg.Batch.TimeMode, cfg.Batch.Interval.Duration)

		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Slot", "TTL", "Update", "Module"})
		table.SetAutoWrapText(false)
		for _, slot := range cfg.Slots {
			ttl := "-"
			if slot.TTL.Duration > 0 {
				ttl = slot.TTL.Duration.String()
			}
			update := strings.TrimSpace(slot.Update)
			if update == "" {
				update = "-"
			}
			table.Append([]string{slot.Name, ttl, update, describeModule(slot.Source)})
		}
		table.Render()
		fmt.Fprintln(out, "Configuration check completed successfully.")
		return nil
	},
}

func describeModule(ref config.ModuleReference) string {
	name := strings.TrimSpace(ref.Name)
	file := strings.TrimSpace(ref.File)
	desc := strings.TrimSpace(ref.Description)

	label := ""
	if name != "" && file != "" {
		label = fmt.Sprintf("%s (%s)", name, file)
	} else if name != "" {
		label = name
	} else if file != "" {
		label = file
	}
	if desc != "" {
		if label != "" {
			label = fmt.Sprintf("%s: %s", label, desc)
		} else {
			label = desc
		}
	}
	return label
}
