// Meshpeer — CLI entry point.
//
// This tool joins a WebRTC mesh through a signaling server, printing every
// peer lifecycle event and relaying stdin lines to the whole mesh via
// broadcast. It can be launched interactively (no flags) or
// non-interactively via CLI flags (-id, -signal, -connect).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.p2p/internal/client"
	"github.com/1ureka/1ureka.net.p2p/internal/config"
	"github.com/1ureka/1ureka.net.p2p/internal/logx"
	"github.com/1ureka/1ureka.net.p2p/internal/meshid"
	"github.com/1ureka/1ureka.net.p2p/internal/node"
	"github.com/1ureka/1ureka.net.p2p/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	id := flag.String("id", "", "PeerId to request (empty = server-assigned)")
	signalAddr := flag.String("signal", "", "Signaling server host:port")
	secure := flag.Bool("secure", false, "Use wss/https for the signaling connection")
	connectTo := flag.String("connect", "", "PeerId to connect to immediately on open")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		logx.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshpeer — v%s", version))
	pterm.Println()

	var host string
	var port int
	if *signalAddr == "" {
		host, port = askSignalAddr()
	} else {
		h, p, err := splitHostPort(*signalAddr)
		if err != nil {
			logx.Error("invalid -signal: %v", err)
			os.Exit(1)
		}
		host, port = h, p
	}

	opts := config.DefaultOptions()
	opts.Host = host
	opts.Port = port
	opts.Secure = *secure

	if *id != "" && !meshid.ValidatePeerID(*id) {
		logx.Error("invalid -id: must be alphanumeric with dashes/underscores")
		os.Exit(1)
	}

	run(ctx, opts, *id, *connectTo)
}

func run(ctx context.Context, opts config.Options, id, connectTo string) {
	c := client.New(ctx, opts, id)

	opened := make(chan string, 1)
	c.OnOpen = func(gotID string) {
		logx.Success("joined mesh as %s", gotID)
		select {
		case opened <- gotID:
		default:
		}
	}
	c.OnConnection = func(n *node.Node) {
		wireNode(n)
		logx.Info("peer %s connecting", n.Peer)
	}
	c.OnDisconnected = func(id string) {
		logx.Warning("disconnected from signaling server (id %s) — P2P links remain open", id)
	}
	c.OnClose = func() {
		logx.Info("mesh client closed")
	}
	c.OnError = func(err error) {
		logx.Error("%v", err)
	}

	select {
	case <-opened:
	case <-ctx.Done():
		return
	}

	util.StartStatsReporter(ctx)

	if connectTo != "" {
		n, err := c.Connect(ctx, connectTo, config.ConnectOptions{})
		if err != nil {
			logx.Error("connect to %s failed: %v", connectTo, err)
		} else {
			wireNode(n)
		}
	}

	pterm.Println()
	pterm.Info.Println("type a line and press Enter to broadcast it to the mesh; Ctrl+C to quit")

	linesCh := make(chan string)
	go readLines(linesCh)

	for {
		select {
		case <-ctx.Done():
			c.Destroy()
			return
		case line, ok := <-linesCh:
			if !ok {
				c.Destroy()
				return
			}
			n := c.Broadcast(ctx, []byte(line), config.SendOptions{})
			logx.Debug("broadcast delivered to %d peer(s)", n)
		}
	}
}

func wireNode(n *node.Node) {
	prevOpen, prevClose, prevError := n.OnOpen, n.OnClose, n.OnError
	n.OnOpen = func() {
		if prevOpen != nil {
			prevOpen()
		}
		logx.Success("peer %s open", n.Peer)
	}
	n.OnData = func(p []byte) { pterm.Println(fmt.Sprintf("%s> %s", n.Peer, string(p))) }
	n.OnClose = func() {
		if prevClose != nil {
			prevClose()
		}
		logx.Warning("peer %s closed", n.Peer)
	}
	n.OnError = func(err error) {
		if prevError != nil {
			prevError(err)
		}
		logx.Error("peer %s: %v", n.Peer, err)
	}
	n.OnPing = func(ms float64) { logx.Debug("peer %s round-trip %.1fms", n.Peer, ms) }
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

func askSignalAddr() (string, int) {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling server address (host:port)").
			Show()

		host, port, err := splitHostPort(strings.TrimSpace(raw))
		if err == nil {
			pterm.Println()
			return host, port
		}

		logx.Warning("invalid address: %v", err)
		pterm.Println()
	}
}

func splitHostPort(raw string) (string, int, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, fmt.Errorf("expected host:port, got %q", raw)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", raw)
	}
	return parts[0], port, nil
}
