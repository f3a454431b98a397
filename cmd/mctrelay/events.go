package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/mctrelay/internal/config"
	"github.com/stupiduntilnot/mctrelay/internal/db"
)

const maxValueChars = 80

type eventsOptions struct {
	dbPath    string
	rootID    int64
	maxDepth  int
	jsonOut   bool
	noPayload bool
}

func newEventsCmd() *cobra.Command {
	var opts eventsOptions

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event journal of the latest run as a tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dbPath == "" {
				opts.dbPath = defaultDBPath()
			}
			return runEvents(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.dbPath, "db", "", "SQLite database path (defaults to DB_PATH)")
	cmd.Flags().Int64Var(&opts.rootID, "id", 0, "Show the subtree of a specific event ID")
	cmd.Flags().IntVarP(&opts.maxDepth, "depth", "L", 0, "Limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Output JSON")
	cmd.Flags().BoolVar(&opts.noPayload, "no-payload", false, "Hide payload details")

	return cmd
}

func defaultDBPath() string {
	if v := os.Getenv("DB_PATH"); v != "" {
		return v
	}
	if cfg, err := config.Load(configFile); err == nil {
		return cfg.DBPath
	}
	return "./state/mctrelay.db"
}

func runEvents(w io.Writer, opts eventsOptions) error {
	database, err := db.OpenReadOnly(opts.dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	rootID := opts.rootID
	if rootID == 0 {
		if rootID, err = db.LatestProcessRoot(database); err != nil {
			return err
		}
	}

	events, err := db.QuerySubtree(database, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	root := db.BuildTree(events, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}

	if opts.jsonOut {
		return writeJSON(w, root, opts.maxDepth, opts.noPayload)
	}
	p := treePrinter{w: w, maxDepth: opts.maxDepth, noPayload: opts.noPayload}
	p.print(root, "", true, 1)
	return nil
}

// treePrinter renders events with box-drawing connectors.
type treePrinter struct {
	w         io.Writer
	maxDepth  int
	noPayload bool
}

func (p treePrinter) print(ev *db.Event, prefix string, isLast bool, depth int) {
	line := formatEvent(ev, p.noPayload)
	if depth == 1 {
		fmt.Fprintln(p.w, line)
	} else if isLast {
		fmt.Fprintln(p.w, prefix+"└── "+line)
	} else {
		fmt.Fprintln(p.w, prefix+"├── "+line)
	}

	childPrefix := prefix
	if depth > 1 {
		if isLast {
			childPrefix += "    "
		} else {
			childPrefix += "│   "
		}
	}

	if p.maxDepth > 0 && depth >= p.maxDepth {
		if len(ev.Children) > 0 {
			fmt.Fprintln(p.w, childPrefix+"└── [...]")
		}
		return
	}
	for i, child := range ev.Children {
		p.print(child, childPrefix, i == len(ev.Children)-1, depth+1)
	}
}

// formatEvent renders "[id] timestamp  event_type  key=value ..." with keys sorted.
func formatEvent(ev *db.Event, noPayload bool) string {
	var b strings.Builder
	ts := time.Unix(ev.Timestamp, 0).UTC().Format("2006-01-02 15:04:05")
	fmt.Fprintf(&b, "[%d] %s  %s", ev.ID, ts, ev.EventType)

	if noPayload {
		return b.String()
	}
	payload := decodePayload(ev)
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, formatValue(payload[k]))
	}
	return b.String()
}

func decodePayload(ev *db.Event) map[string]any {
	if !ev.Payload.Valid || ev.Payload.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ev.Payload.String), &m); err != nil {
		return nil
	}
	return m
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if runes := []rune(val); len(runes) > maxValueChars {
			return fmt.Sprintf("%q", string(runes[:maxValueChars])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonEvent struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonEvent    `json:"children,omitempty"`
}

func toJSONEvent(ev *db.Event, depth, maxDepth int, noPayload bool) jsonEvent {
	je := jsonEvent{ID: ev.ID, Timestamp: ev.Timestamp, EventType: ev.EventType}
	if !noPayload {
		je.Payload = decodePayload(ev)
	}
	if maxDepth > 0 && depth >= maxDepth {
		return je
	}
	for _, child := range ev.Children {
		je.Children = append(je.Children, toJSONEvent(child, depth+1, maxDepth, noPayload))
	}
	return je
}

func writeJSON(w io.Writer, root *db.Event, maxDepth int, noPayload bool) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSONEvent(root, 1, maxDepth, noPayload)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
