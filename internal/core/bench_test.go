package core

import (
	"testing"
	"time"

	"github.com/vovakirdan/replica-server/internal/proto"
)

func benchmarkForward(b *testing.B, recipients int) {
	h := newTestHub(b, Options{IdleTimeout: time.Hour})
	sender := connect(b, h, "sender")
	sender.join(1, false, 0)

	clients := make([]*testClient, 0, recipients)
	for range recipients {
		c := connect(b, h, "member")
		c.join(1, false, 0)
		clients = append(clients, c)
	}
	for _, c := range append(clients, sender) {
		c.drain()
	}

	call := proto.EncodeCall(proto.OpForwardToOthers, proto.Call{
		Source: sender.id, Channel: 1, Object: 42, Selector: 1, Payload: make([]byte, 64),
	})

	b.ReportAllocs()
	b.ResetTimer()
	for range b.N {
		sender.send(call)
		h.Tick()
		for _, c := range clients {
			if _, ok := c.pipe.TryRecv(); !ok {
				b.Fatalf("recipient %d missed the call", c.id)
			}
		}
	}
}

func BenchmarkForward1(b *testing.B)  { benchmarkForward(b, 1) }
func BenchmarkForward10(b *testing.B) { benchmarkForward(b, 10) }
func BenchmarkForward50(b *testing.B) { benchmarkForward(b, 50) }

func BenchmarkCallLogUpsert(b *testing.B) {
	l := NewCallLog()
	payload := []byte("state")
	b.ReportAllocs()
	for i := range b.N {
		l.Upsert(SavedCall{Object: uint32(i % 256), Selector: byte(i % 4), Payload: payload})
	}
}
