package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/route-beacon/bgp-speaker/internal/bgp"
)

func main() {
	var (
		hexInput bool
		params   bgp.Params
		path     string
	)
	for _, arg := range os.Args[1:] {
		switch arg {
		case "--hex":
			hexInput = true
		case "--as4":
			params.AS4 = true
		case "--extended":
			params.ExtendedMessage = true
		case "--addpath":
			params.AddPath = map[bgp.Family]bool{
				bgp.IPv4Unicast: true, bgp.IPv6Unicast: true,
				bgp.IPv4Multicast: true, bgp.IPv6Multicast: true,
			}
		case "-h", "--help":
			printUsage()
			return
		default:
			path = arg
		}
	}
	if path == "" {
		printUsage()
		os.Exit(1)
	}

	data, err := readInput(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}
	if hexInput {
		data, err = hex.DecodeString(strings.Join(strings.Fields(string(data)), ""))
		if err != nil {
			fmt.Fprintf(os.Stderr, "hex: %v\n", err)
			os.Exit(1)
		}
	}

	if err := decodeStream(data, params); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bgp-decode [--hex] [--as4] [--extended] [--addpath] <file|->")
	fmt.Println()
	fmt.Println("Decodes a stream of BGP messages and prints each one.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --hex        Input is hex text (whitespace ignored)")
	fmt.Println("  --as4        Decode AS_PATH with 4-octet AS numbers")
	fmt.Println("  --extended   Allow messages up to 65535 bytes")
	fmt.Println("  --addpath    NLRI of every family carry a path id")
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func decodeStream(data []byte, p bgp.Params) error {
	codec := bgp.DefaultCodec()
	r := bgp.NewReader()
	r.SetMaxLength(p.MaxLen())
	_, _ = r.Write(data)

	msgNum := 0
	offset := 0
	for {
		f, err := r.Next()
		if errors.Is(err, bgp.ErrNeedMore) {
			if rest := r.Buffered(); rest > 0 {
				fmt.Printf("trailing %d bytes do not form a complete message\n", rest)
			}
			break
		}
		if err != nil {
			return err
		}
		msgNum++
		fmt.Printf("=== msg %d (offset=%d, type=%s, %d bytes) ===\n", msgNum, offset, f.Header.Type, f.Header.Length)
		offset += len(f.Raw)

		m, err := codec.Decode(f, p)
		if err != nil {
			fmt.Printf("  decode error: %v\n", err)
			var ne *bgp.NotificationError
			if errors.As(err, &ne) {
				fmt.Printf("  would send NOTIFICATION %d/%d (%s)\n", ne.Code, ne.Subcode, bgp.CodeName(ne.Code, ne.Subcode))
			}
			fmt.Printf("  body hex: %s\n", hex.EncodeToString(f.Body()))
			continue
		}
		printMessage(m, p)
		fmt.Println()
	}

	fmt.Printf("Total messages: %d\n", msgNum)
	return nil
}

func printMessage(m bgp.Message, p bgp.Params) {
	switch m := m.(type) {
	case *bgp.Open:
		fmt.Printf("  version=%d asn=%d hold_time=%d router_id=%s\n", m.Version, m.ASN(), m.HoldTime, m.RouterID)
		for _, c := range m.Capabilities() {
			fmt.Printf("  capability %d: %v\n", c.Code, c.Value)
		}
	case *bgp.Update:
		if f, ok := m.EndOfRIB(); ok {
			fmt.Printf("  End-of-RIB %s\n", f)
			return
		}
		for _, a := range m.Attributes {
			fmt.Printf("  attr %d flags=%s: %v\n", a.Type, a.Flags, a.Value)
		}
		for _, d := range m.Discarded {
			fmt.Printf("  discarded attr %d: %v\n", d.Type, d.Err)
		}
		events := m.RouteEvents(p.AS4)
		fmt.Printf("  routes: %d\n", len(events))
		for j, ev := range events {
			if j < 5 || j == len(events)-1 {
				fmt.Printf("    [%d] %s %s %s nexthop=%s as=%s pathID=%d\n",
					j, ev.Family, ev.Action, ev.Prefix, ev.Nexthop, ev.ASPath, ev.PathID)
			} else if j == 5 {
				fmt.Printf("    ... (%d more) ...\n", len(events)-6)
			}
		}
	case *bgp.Notification:
		fmt.Printf("  %s\n", m)
		if len(m.Data) > 0 {
			fmt.Printf("  data hex: %s\n", hex.EncodeToString(m.Data))
		}
	case *bgp.RouteRefresh:
		fmt.Printf("  %s\n", m)
	case *bgp.Keepalive:
	}
}
