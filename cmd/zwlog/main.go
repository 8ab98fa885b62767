// Command zwlog views and summarizes zwhost event log files.
//
// Log files are produced by the driver's CBOR file logger (zwhost
// -log-file).
//
// Usage:
//
//	zwlog <command> [flags] <file.zlog>
//
// Commands:
//
//	view     Print events in human-readable form
//	stats    Summarize events per layer, category and node
//
// Examples:
//
//	# View all events
//	zwlog view session.zlog
//
//	# View only serial-layer frames
//	zwlog view -layer serial session.zlog
//
//	# View traffic of one node
//	zwlog view -node 5 session.zlog
//
//	# Summarize a capture
//	zwlog stats session.zlog
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/zwave-host/zwgo/pkg/log"
)

const usage = `zwlog - Z-Wave host event log viewer

Usage:
  zwlog <command> [flags] <file.zlog>

Commands:
  view     Print events in human-readable form
  stats    Summarize events per layer, category and node

Use "zwlog <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "view":
		err = runView(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "zwlog: %v\n", err)
		os.Exit(1)
	}
}

func parseLayer(s string) (*log.Layer, error) {
	if s == "" {
		return nil, nil
	}
	for _, l := range []log.Layer{log.LayerSerial, log.LayerProtocol, log.LayerCommandClass, log.LayerSecurity, log.LayerDriver} {
		if strings.EqualFold(l.String(), s) {
			return &l, nil
		}
	}
	return nil, fmt.Errorf("unknown layer %q (serial, protocol, cc, security, driver)", s)
}

func parseDirection(s string) (*log.Direction, error) {
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "in":
		d := log.DirectionIn
		return &d, nil
	case "out":
		d := log.DirectionOut
		return &d, nil
	}
	return nil, fmt.Errorf("unknown direction %q (in, out)", s)
}

func openReader(fs *flag.FlagSet, layer, direction string, node uint) (*log.Reader, error) {
	if fs.NArg() != 1 {
		return nil, fmt.Errorf("expected exactly one log file argument")
	}
	filter := log.Filter{NodeID: uint8(node)}
	l, err := parseLayer(layer)
	if err != nil {
		return nil, err
	}
	filter.Layer = l
	d, err := parseDirection(direction)
	if err != nil {
		return nil, err
	}
	filter.Direction = d
	return log.NewFilteredReader(fs.Arg(0), filter)
}

func runView(args []string) error {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	layer := fs.String("layer", "", "Only events of this layer (serial, protocol, cc, security, driver)")
	direction := fs.String("direction", "", "Only events of this direction (in, out)")
	node := fs.Uint("node", 0, "Only events of this node id")
	fs.Parse(args)

	r, err := openReader(fs, *layer, *direction, *node)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		event, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Println(formatEvent(event))
	}
}

func formatEvent(e log.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-8s %-7s",
		e.Timestamp.Format("15:04:05.000000"), dirArrow(e.Direction), e.Layer, e.Category)
	if e.NodeID != 0 {
		fmt.Fprintf(&b, " node %3d", e.NodeID)
	}

	switch {
	case e.Frame != nil:
		if len(e.Frame.Data) > 0 {
			fmt.Fprintf(&b, " %s", hex.EncodeToString(e.Frame.Data))
		} else {
			fmt.Fprintf(&b, " control 0x%02X", e.Frame.Control)
		}
	case e.Message != nil:
		fmt.Fprintf(&b, " fn 0x%02X", e.Message.FunctionType)
		if e.Message.CallbackID != 0 {
			fmt.Fprintf(&b, " cb 0x%02X", e.Message.CallbackID)
		}
		if len(e.Message.Payload) > 0 {
			fmt.Fprintf(&b, " %s", hex.EncodeToString(e.Message.Payload))
		}
	case e.Command != nil:
		fmt.Fprintf(&b, " class 0x%02X cmd 0x%02X", e.Command.CommandClass, e.Command.Command)
		if len(e.Command.Payload) > 0 {
			fmt.Fprintf(&b, " %s", hex.EncodeToString(e.Command.Payload))
		}
	case e.StateChange != nil:
		fmt.Fprintf(&b, " %s", e.StateChange.Entity)
		if e.StateChange.OldState != "" {
			fmt.Fprintf(&b, " %s ->", e.StateChange.OldState)
		}
		fmt.Fprintf(&b, " %s", e.StateChange.NewState)
		if e.StateChange.Reason != "" {
			fmt.Fprintf(&b, " (%s)", e.StateChange.Reason)
		}
	case e.Error != nil:
		fmt.Fprintf(&b, " %s", e.Error.Message)
		if e.Error.Context != "" {
			fmt.Fprintf(&b, " (%s)", e.Error.Context)
		}
	}
	return b.String()
}

func dirArrow(d log.Direction) string {
	if d == log.DirectionOut {
		return "->"
	}
	return "<-"
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)

	r, err := openReader(fs, "", "", 0)
	if err != nil {
		return err
	}
	defer r.Close()

	var total int
	var first, last log.Event
	byLayer := map[string]int{}
	byCategory := map[string]int{}
	byNode := map[uint8]int{}
	sessions := map[string]bool{}

	for {
		event, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if total == 0 {
			first = event
		}
		last = event
		total++
		byLayer[event.Layer.String()]++
		byCategory[event.Category.String()]++
		if event.NodeID != 0 {
			byNode[event.NodeID]++
		}
		if event.SessionID != "" {
			sessions[event.SessionID] = true
		}
	}

	if total == 0 {
		fmt.Println("No events")
		return nil
	}

	fmt.Printf("Events:   %d\n", total)
	fmt.Printf("Sessions: %d\n", len(sessions))
	fmt.Printf("Span:     %s .. %s\n",
		first.Timestamp.Format("2006-01-02 15:04:05.000"),
		last.Timestamp.Format("2006-01-02 15:04:05.000"))

	fmt.Println("\nBy layer:")
	printCounts(byLayer)
	fmt.Println("\nBy category:")
	printCounts(byCategory)

	if len(byNode) > 0 {
		fmt.Println("\nBy node:")
		ids := make([]int, 0, len(byNode))
		for id := range byNode {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		for _, id := range ids {
			fmt.Printf("  %3d: %d\n", id, byNode[uint8(id)])
		}
	}
	return nil
}

func printCounts(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-10s %d\n", k, counts[k])
	}
}
