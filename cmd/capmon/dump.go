package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"vrcap/perfcap/pkg/monitor"
	"vrcap/perfcap/pkg/proto"
)

type dumpLine struct {
	Stream  uint32 `json:"stream"`
	Kind    string `json:"kind"`
	Packet  any    `json:"packet"`
	Payload string `json:"payload,omitempty"`
}

func dumpCmd() *cobra.Command {
	var asJSON, zonesOnly bool
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the packets of a recording or local capture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := monitor.OpenFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			w := bufio.NewWriter(cmd.OutOrStdout())
			defer w.Flush()
			return dump(f, w, asJSON, zonesOnly)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "one JSON object per line")
	cmd.Flags().BoolVar(&zonesOnly, "zones", false, "print completed zones only")
	return cmd
}

type eventSource interface {
	Next() (monitor.Event, error)
}

func dump(src eventSource, w io.Writer, asJSON, zonesOnly bool) error {
	model := monitor.NewModel()
	enc := json.NewEncoder(w)
	for {
		e, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		z, closed := model.Apply(e)
		switch {
		case zonesOnly && !closed:
		case zonesOnly && asJSON:
			if err := enc.Encode(z); err != nil {
				return err
			}
		case zonesOnly:
			fmt.Fprintf(w, "%-16s %*s%s %d..%d (%d ns)\n", z.Thread, 2*z.Depth, "", z.Label, z.Start, z.End, z.End-z.Start)
		case asJSON:
			if err := enc.Encode(dumpLine{Stream: e.Stream, Kind: e.Kind(), Packet: e.Packet, Payload: payloadText(e)}); err != nil {
				return err
			}
		default:
			fmt.Fprintf(w, "%6d %-18s %+v", e.Stream, e.Kind(), e.Packet)
			if s := payloadText(e); s != "" {
				fmt.Fprintf(w, " %q", s)
			}
			fmt.Fprintln(w)
		}
	}
}

// payloadText returns the payload of packets whose payload is text.
func payloadText(e monitor.Event) string {
	switch e.Packet.(type) {
	case *proto.Label, *proto.ThreadName, *proto.Log:
		return string(e.Payload)
	}
	return ""
}
