// Package interactive provides the readline command loop for the
// zwhost console.
package interactive

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/config"
	"github.com/zwave-host/zwgo/pkg/driver"
	"github.com/zwave-host/zwgo/pkg/log"
	"github.com/zwave-host/zwgo/pkg/node"
	"github.com/zwave-host/zwgo/pkg/storage"
	"github.com/zwave-host/zwgo/pkg/transport"
)

// startTimeout bounds the controller identification sequence.
const startTimeout = 30 * time.Second

// Console handles interactive mode for zwhost.
type Console struct {
	opts    config.Options
	logPath string
	rl      *readline.Instance

	drv      *driver.Driver
	logger   *log.FileLogger
	watching atomic.Bool
}

// New creates the console. The driver is not opened until the open
// command (or the -port flag) runs.
func New(opts config.Options, logPath string) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "zwhost> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{opts: opts, logPath: logPath, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the readline prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Open connects to the controller at path, identifies the network and
// attaches the persistence facade.
func (c *Console) Open(ctx context.Context, path string) error {
	if c.drv != nil {
		return fmt.Errorf("already open; quit and restart to switch ports")
	}

	port, err := transport.Open(path)
	if err != nil {
		return err
	}

	d, err := driver.New(port, c.opts)
	if err != nil {
		port.Close()
		return err
	}
	if c.logPath != "" {
		logger, err := log.NewFileLogger(c.logPath)
		if err != nil {
			port.Close()
			return err
		}
		c.logger = logger
		d.SetLogger(logger)
	}
	d.OnError(func(err error) {
		fmt.Fprintf(c.Stdout(), "driver error: %v\n", err)
	})
	d.OnCommand(func(nodeID uint8, cmd *cc.Command) {
		if !c.watching.Load() {
			return
		}
		fmt.Fprintf(c.Stdout(), "<- node %d: class 0x%02X cmd 0x%02X payload %s\n",
			nodeID, uint8(cmd.Class), cmd.Command, hex.EncodeToString(cmd.Payload))
	})

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := d.Start(startCtx); err != nil {
		d.Destroy()
		return err
	}
	c.drv = d

	if c.opts.Storage.CacheDir != "" {
		store, err := storage.Open(c.opts.Storage, d.Controller().HomeID, storage.Options{
			OnError: func(err error) {
				fmt.Fprintf(c.Stdout(), "storage error: %v\n", err)
			},
		})
		if err != nil {
			fmt.Fprintf(c.Stdout(), "cache disabled: %v\n", err)
		} else {
			d.SetStore(store)
		}
	}

	ctrl := d.Controller()
	fmt.Fprintf(c.Stdout(), "Connected: home 0x%08X, controller node %d, %d node(s)\n",
		ctrl.HomeID, ctrl.OwnNodeID, len(ctrl.NodeIDs))
	return nil
}

// Close destroys the driver and releases the console.
func (c *Console) Close() {
	if c.drv != nil {
		if err := c.drv.Destroy(); err != nil && err != driver.ErrDestroyed {
			fmt.Fprintf(c.Stdout(), "shutdown: %v\n", err)
		}
		c.drv = nil
	}
	if c.logger != nil {
		c.logger.Close()
		c.logger = nil
	}
	c.rl.Close()
}

// Run starts the interactive command loop.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			c.printHelp()

		case "open":
			c.cmdOpen(ctx, args)

		case "info":
			c.cmdInfo()

		case "nodes", "ls":
			c.cmdNodes()

		case "send":
			c.cmdSend(ctx, args)

		case "ping":
			c.cmdPing(ctx, args)

		case "interview":
			c.cmdInterview(ctx, args)

		case "watch":
			on := !c.watching.Load()
			c.watching.Store(on)
			if on {
				fmt.Fprintln(c.Stdout(), "Watching inbound commands (watch again to stop)")
			} else {
				fmt.Fprintln(c.Stdout(), "Watch off")
			}

		case "quit", "exit", "q":
			fmt.Fprintln(c.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(c.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.Stdout(), `
zwhost Commands:
  open <path>                   - Open a serial device or tcp://host:port
  info                          - Show controller identity
  nodes                         - List known nodes
  send <node> <cc> <cmd> [hex]  - Send a command class PDU
  ping <node>                   - NoOperation round trip
  interview <node>              - Run the node interview
  watch                         - Toggle printing of inbound commands
  quit                          - Exit`)
}

func (c *Console) driver() *driver.Driver {
	if c.drv == nil {
		fmt.Fprintln(c.Stdout(), "Not connected (use: open <path>)")
		return nil
	}
	return c.drv
}

func (c *Console) cmdOpen(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.Stdout(), "Usage: open <path>")
		return
	}
	if err := c.Open(ctx, args[0]); err != nil {
		fmt.Fprintf(c.Stdout(), "open: %v\n", err)
	}
}

func (c *Console) cmdInfo() {
	d := c.driver()
	if d == nil {
		return
	}
	ctrl := d.Controller()
	fmt.Fprintf(c.Stdout(), "Home ID:      0x%08X\n", ctrl.HomeID)
	fmt.Fprintf(c.Stdout(), "Own node:     %d\n", ctrl.OwnNodeID)
	fmt.Fprintf(c.Stdout(), "Library:      %s (type %d)\n", strings.TrimRight(ctrl.LibraryVersion, "\x00"), ctrl.LibraryType)
	fmt.Fprintf(c.Stdout(), "API version:  %d\n", ctrl.APIVersion)
	fmt.Fprintf(c.Stdout(), "Secondary:    %v\n", ctrl.IsSecondary)
	fmt.Fprintf(c.Stdout(), "SUC:          %v\n", ctrl.IsSUC)
	fmt.Fprintf(c.Stdout(), "Lifecycle:    %s\n", d.Lifecycle())
}

func (c *Console) cmdNodes() {
	d := c.driver()
	if d == nil {
		return
	}
	ids := d.Nodes().IDs()
	if len(ids) == 0 {
		fmt.Fprintln(c.Stdout(), "No nodes")
		return
	}
	fmt.Fprintln(c.Stdout(), "ID   Status   Sleeps  WakeUp  Manufacturer")
	for _, id := range ids {
		var line string
		d.Nodes().With(id, func(n *node.Node) {
			mfr := "-"
			if n.ManufacturerID != 0 {
				mfr = fmt.Sprintf("0x%04X/0x%04X/0x%04X", n.ManufacturerID, n.ProductType, n.ProductID)
			}
			line = fmt.Sprintf("%-4d %-8s %-7v %-7v %s",
				n.ID, n.Status, n.CanSleep, n.SupportsWakeUp, mfr)
		})
		fmt.Fprintln(c.Stdout(), line)
	}
}

func (c *Console) cmdSend(ctx context.Context, args []string) {
	d := c.driver()
	if d == nil {
		return
	}
	if len(args) < 3 || len(args) > 4 {
		fmt.Fprintln(c.Stdout(), "Usage: send <node> <cc> <cmd> [hex-payload]")
		return
	}
	nodeID, err := parseNodeID(args[0])
	if err != nil {
		fmt.Fprintf(c.Stdout(), "send: %v\n", err)
		return
	}
	class, err := parseByte(args[1])
	if err != nil {
		fmt.Fprintf(c.Stdout(), "send: class: %v\n", err)
		return
	}
	command, err := parseByte(args[2])
	if err != nil {
		fmt.Fprintf(c.Stdout(), "send: command: %v\n", err)
		return
	}
	var payload []byte
	if len(args) == 4 {
		payload, err = hex.DecodeString(args[3])
		if err != nil {
			fmt.Fprintf(c.Stdout(), "send: payload: %v\n", err)
			return
		}
	}

	pdu := cc.New(nodeID, cc.CommandClass(class), command, payload)
	if err := d.SendCommand(ctx, pdu, driver.SendOptions{}); err != nil {
		fmt.Fprintf(c.Stdout(), "send: %v\n", err)
		return
	}
	fmt.Fprintln(c.Stdout(), "OK")
}

func (c *Console) cmdPing(ctx context.Context, args []string) {
	d := c.driver()
	if d == nil {
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(c.Stdout(), "Usage: ping <node>")
		return
	}
	nodeID, err := parseNodeID(args[0])
	if err != nil {
		fmt.Fprintf(c.Stdout(), "ping: %v\n", err)
		return
	}
	start := time.Now()
	if err := d.Ping(ctx, nodeID); err != nil {
		fmt.Fprintf(c.Stdout(), "ping: %v\n", err)
		return
	}
	fmt.Fprintf(c.Stdout(), "Node %d answered in %s\n", nodeID, time.Since(start).Round(time.Millisecond))
}

func (c *Console) cmdInterview(ctx context.Context, args []string) {
	d := c.driver()
	if d == nil {
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(c.Stdout(), "Usage: interview <node>")
		return
	}
	nodeID, err := parseNodeID(args[0])
	if err != nil {
		fmt.Fprintf(c.Stdout(), "interview: %v\n", err)
		return
	}
	fmt.Fprintf(c.Stdout(), "Interviewing node %d...\n", nodeID)
	if err := d.InterviewNode(ctx, nodeID); err != nil {
		fmt.Fprintf(c.Stdout(), "interview: %v\n", err)
		return
	}
	fmt.Fprintln(c.Stdout(), "Interview complete")
}

func parseNodeID(s string) (uint8, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("node id %q: %w", s, err)
	}
	if v == 0 || v > 232 {
		return 0, fmt.Errorf("node id must be 1..232")
	}
	return uint8(v), nil
}

// parseByte accepts decimal or 0x-prefixed hex.
func parseByte(s string) (uint8, error) {
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err := strconv.ParseUint(rest, 16, 8)
		return uint8(v), err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}
