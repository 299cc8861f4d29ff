package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
)

type smokeOptions struct {
	addr    string
	name    string
	channel int32
	timeout time.Duration
}

func newSmokeCmd() *cobra.Command {
	var o smokeOptions
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Connect over websocket, join a channel and print what the server sends",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
			defer cancel()
			return runSmoke(ctx, o, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "ws://localhost:8080/ws", "websocket address")
	cmd.Flags().StringVar(&o.name, "name", "smoke", "participant name")
	cmd.Flags().Int32Var(&o.channel, "channel", 1, "channel id to join")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 5*time.Second, "total timeout for the run")
	return cmd
}

func runSmoke(ctx context.Context, o smokeOptions, out io.Writer) error {
	conn, _, err := websocket.Dial(ctx, o.addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(data []byte) error {
		if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		return nil
	}

	hello := proto.Begin(proto.OpRequestID)
	hello.Int32(proto.ProtocolVersion)
	hello.String(o.name)
	datanode.New("").Encode(hello)
	if err := send(hello.Bytes()); err != nil {
		return err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		op, r, err := proto.Split(data)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		fmt.Fprintf(out, "received %s (%d bytes)\n", op, len(data))

		switch op {
		case proto.OpResponseID:
			r.Int32()
			fmt.Fprintf(out, "participant id %d\n", r.Int32())
			join := proto.Begin(proto.OpRequestJoinChannel)
			join.Int32(o.channel)
			join.String("")
			join.String("")
			join.Bool(false)
			join.Uint16(0)
			if err := send(join.Bytes()); err != nil {
				return err
			}
		case proto.OpResponseJoinChannel:
			ch := r.Int32()
			if !r.Bool() {
				return fmt.Errorf("join channel %d rejected: %s", ch, r.String())
			}
			fmt.Fprintf(out, "joined channel %d\n", ch)
			leave := proto.Begin(proto.OpRequestLeaveChannel)
			leave.Int32(ch)
			if err := send(leave.Bytes()); err != nil {
				return err
			}
		case proto.OpResponseLeaveChannel:
			return nil
		case proto.OpError:
			failed := proto.Opcode(r.Byte())
			return fmt.Errorf("%s failed: %s: %s", failed, r.String(), r.String())
		}
	}
}
