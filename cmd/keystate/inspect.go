package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/processor"
	"github.com/timzifer/keystate/state"
)

var (
	slotFlag = &cli.StringFlag{
		Name:  "slot",
		Usage: "only show this slot",
	}
	keyFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "show a single key including its expiration index entries",
	}
)

var commandInspect = &cli.Command{
	Name:  "inspect",
	Usage: "print the committed state of a stopped processor",
	Description: `
Opens the partition stores of a stopped processor and prints stored values. Values that
expired but were not evicted yet are listed with expired=yes. In event time the
committed watermark decides expiry.`,
	Flags: []cli.Flag{
		configFlag,
		slotFlag,
		keyFlag,
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String(configFlag.Name))
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Store.Backend == config.BackendMemory {
			return errors.New("memory backend keeps no state between runs")
		}
		// Inspection reads the live stores as they are.
		offline := *cfg
		offline.Checkpoint.RestoreOnStart = false
		mode, err := state.ParseTimeMode(cfg.Batch.TimeMode)
		if err != nil {
			return err
		}
		var (
			opts      []processor.StateOption
			watermark *state.Watermark
		)
		if mode == state.EventTime {
			watermark = state.NewWatermark(0)
			opts = append(opts, processor.WithStateClock(watermark))
		}
		set, err := processor.OpenState(c.Context, &offline, opts...)
		if err != nil {
			return err
		}
		defer set.Close()
		if watermark != nil {
			if mark, ok := set.Watermark(); ok {
				watermark.Set(mark)
			}
		}

		slots := make([]string, 0, len(cfg.Slots))
		if name := c.String(slotFlag.Name); name != "" {
			slots = append(slots, name)
		} else {
			for _, slot := range cfg.Slots {
				slots = append(slots, slot.Name)
			}
		}

		out := c.App.Writer
		if c.IsSet(keyFlag.Name) {
			table := tablewriter.NewWriter(out)
			table.SetHeader([]string{"Slot", "Partition", "Version", "Value", "Expiration", "Expired", "Index"})
			table.SetAutoWrapText(false)
			for _, slot := range slots {
				view, err := set.Inspect(slot, c.String(keyFlag.Name))
				if err != nil {
					return err
				}
				value := "-"
				if view.Stored {
					value = view.RawValue
				}
				table.Append([]string{
					slot,
					strconv.Itoa(view.Partition),
					strconv.FormatUint(view.Version, 10),
					value,
					formatTime(view.Expiration),
					yesNo(view.Stored && !view.Found),
					formatTimes(view.IndexEntries),
				})
			}
			table.Render()
			return nil
		}

		table := tablewriter.NewWriter(out)
		table.SetHeader([]string{"Slot", "Partition", "Key", "Value", "Expiration", "Expired"})
		table.SetAutoWrapText(false)
		rows := 0
		for _, slot := range slots {
			err := set.Scan(slot, func(partition int, entry state.Entry) error {
				var exp *time.Time
				if entry.HasTTL {
					exp = &entry.Expiration
				}
				table.Append([]string{
					slot,
					strconv.Itoa(partition),
					string(entry.Key),
					string(entry.Value),
					formatTime(exp),
					yesNo(entry.Expired),
				})
				rows++
				return nil
			})
			if err != nil {
				return err
			}
		}
		table.Render()
		fmt.Fprintf(out, "%d value(s)\n", rows)
		return nil
	},
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimes(ts []time.Time) string {
	if len(ts) == 0 {
		return "-"
	}
	parts := make([]string, len(ts))
	for i := range ts {
		parts[i] = formatTime(&ts[i])
	}
	return strings.Join(parts, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
