package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/pkg/protocol"
)

func logsCmd() *cobra.Command {
	c := &cobra.Command{Use: "logs", Short: "Inspect persisted EventBus records"}
	c.AddCommand(logsTailCmd())
	return c
}

func logsTailCmd() *cobra.Command {
	var n int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the most recent EventBus records as an aligned table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			dir := filepath.Join(cfg.Workspace.Path, "events")

			printed := map[string]bool{}
			for {
				events, err := readEvents(dir)
				if err != nil {
					return fmt.Errorf("read events: %w", err)
				}
				if len(events) > n {
					events = events[len(events)-n:]
				}
				for _, ev := range events {
					if printed[ev.ID] {
						continue
					}
					printed[ev.ID] = true
					printEventRow(ev)
				}
				if !follow {
					return nil
				}
				time.Sleep(time.Second)
			}
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new events every second")
	return cmd
}

func readEvents(dir string) ([]protocol.Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []protocol.Event
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp < events[j].Timestamp })
	return events, nil
}

// printEventRow renders one event as a row with a fixed-width name
// column. go-runewidth pads and truncates the event name by display width
// rather than byte length, so wide runes in it keep the payload column
// aligned; the payload itself is printed unpadded.
func printEventRow(ev protocol.Event) {
	ts := time.UnixMilli(ev.Timestamp).Format("15:04:05.000")
	name := padRight(ev.Name, 28)
	payload, _ := json.Marshal(ev.Payload)
	fmt.Printf("%s  %s  %s\n", ts, name, string(payload))
}

func padRight(s string, width int) string {
	if runewidth.StringWidth(s) >= width {
		return runewidth.Truncate(s, width, "")
	}
	return runewidth.FillRight(s, width)
}
