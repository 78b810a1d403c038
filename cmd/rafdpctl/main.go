// Command rafdpctl is a thin client for rafdpd's local control-plane
// RPC, plus a standalone "rangeread" diagnostic that exercises the
// content-hash tree and Reader directly against a local file, without
// needing a running daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rafdp/engine/internal/reader"
	"github.com/rafdp/engine/internal/store"
	"github.com/rafdp/engine/internal/treebuilder"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "rafdpctl",
		Usage: "talk to a running rafdpd over its local control plane",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "control-port", Value: 9191, Usage: "rafdpd's control-plane port"},
		},
		Commands: []*cli.Command{
			{Name: "addfile", Usage: "addfile <path>", Action: rpcCommand("addfile", func(c *cli.Context) map[string]interface{} {
				return map[string]interface{}{"filename": c.Args().First()}
			})},
			{Name: "getport", Usage: "getport", Action: rpcCommand("getport", noArgs)},
			{Name: "getpid", Usage: "getpid", Action: rpcCommand("getpid", noArgs)},
			{Name: "addpeer", Usage: "addpeer <ip> <port>", Action: addPeerCommand},
			{Name: "addhash", Usage: "addhash <hash>", Action: rpcCommand("addhash", func(c *cli.Context) map[string]interface{} {
				return map[string]interface{}{"hash": c.Args().First()}
			})},
			{Name: "gethash", Usage: "gethash <hash>", Action: rpcCommand("gethash", func(c *cli.Context) map[string]interface{} {
				return map[string]interface{}{"hash": c.Args().First()}
			})},
			{Name: "addurl", Usage: "addurl <url>", Action: rpcCommand("addurl", func(c *cli.Context) map[string]interface{} {
				return map[string]interface{}{"url": c.Args().First()}
			})},
			{Name: "getpeers", Usage: "getpeers", Action: rpcCommand("getpeers", noArgs)},
			{Name: "rangeread", Usage: "rangeread <path> <offset> <size> — build a local tree and read back a range without a daemon", Action: rangeReadCommand},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func noArgs(*cli.Context) map[string]interface{} { return nil }

func rpcCommand(method string, args func(*cli.Context) map[string]interface{}) cli.ActionFunc {
	return func(c *cli.Context) error {
		req := args(c)
		if req == nil {
			req = map[string]interface{}{}
		}
		req["method"] = method
		resp, err := callRPC(c.Int("control-port"), req)
		if err != nil {
			return err
		}
		return printJSON(resp)
	}
}

func addPeerCommand(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return fmt.Errorf("usage: addpeer <ip> <port>")
	}
	var port int
	if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &port); err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	resp, err := callRPC(c.Int("control-port"), map[string]interface{}{
		"method": "addpeer",
		"ip":     c.Args().Get(0),
		"port":   port,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func callRPC(port int, req map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		return nil, fmt.Errorf("connecting to rafdpd control port %d: %w", port, err)
	}
	defer conn.Close()

	if _, err := conn.Write(raw); err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading rafdpd response: %w", err)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(buf[:n], &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// rangeReadCommand builds a content-hash tree over a local file entirely
// in-process and reads back the requested range through the Reader,
// printed as raw bytes to stdout. It never touches the network; it
// exists to exercise and debug the chunking/reconstruction path
// directly.
func rangeReadCommand(c *cli.Context) error {
	if c.Args().Len() < 3 {
		return fmt.Errorf("usage: rangeread <path> <offset> <size>")
	}
	path := c.Args().Get(0)
	var offset, size int64
	if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &offset); err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	if _, err := fmt.Sscanf(c.Args().Get(2), "%d", &size); err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}

	s := store.New(nil)
	root, err := treebuilder.BuildFromFile(s, path)
	if err != nil {
		return err
	}
	r := reader.New(s)

	data, err := r.RangeRead(context.Background(), root, size, offset)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
