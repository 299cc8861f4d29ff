package core

import (
	"testing"

	"github.com/vovakirdan/replica-server/internal/proto"
)

func TestLocalParticipantHandlesCalls(t *testing.T) {
	h := newTestHub(t, Options{})

	var got []proto.Call
	h.RegisterRPC(5, "", func(ctx *CallContext) {
		got = append(got, ctx.Call)
		_ = ctx.Send(Target{Kind: TargetOthers}, proto.Call{
			Channel:  ctx.Call.Channel,
			Object:   ctx.Call.Object,
			Selector: 6,
			Payload:  []byte("pong"),
		})
	})
	bot := h.AddLocal("bot")
	h.JoinLocal(bot, 20, "", false)

	a := connect(t, h, "alice")
	a.join(20, false, 0)
	if c := h.channels[20]; c.Host != bot {
		t.Fatalf("local participant created the channel and should host it")
	}

	a.send(proto.EncodeCall(proto.OpForwardToHost, proto.Call{
		Source: a.id, Channel: 20, Object: 100, Selector: 5, Payload: []byte("ping"),
	}))
	r := a.expect(proto.OpResponseForward)
	reply, err := proto.ReadCall(r, proto.OpResponseForward)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Source != bot.ID || reply.Selector != 6 || string(reply.Payload) != "pong" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if len(got) != 1 || got[0].Source != a.id || string(got[0].Payload) != "ping" {
		t.Fatalf("handler should have seen the call once, got %+v", got)
	}
}

func TestLocalSenderAllRunsLocally(t *testing.T) {
	h := newTestHub(t, Options{})
	runs := 0
	h.RegisterRPC(0, "spawn", func(*CallContext) { runs++ })
	bot := h.AddLocal("bot")
	h.JoinLocal(bot, 21, "", true)

	a := connect(t, h, "alice")
	a.join(21, false, 0)

	call := proto.Call{Channel: 21, Object: 7, Name: "spawn", Payload: []byte("wolf")}
	if err := h.Call(bot, Target{Kind: TargetAllSaved}, call); err != nil {
		t.Fatalf("call: %v", err)
	}
	if runs != 1 {
		t.Fatalf("local sender should execute its own call once, ran %d", runs)
	}
	r := a.expect(proto.OpResponseForward)
	fwd, _ := proto.ReadCall(r, proto.OpResponseForward)
	if fwd.Name != "spawn" || fwd.Source != bot.ID {
		t.Fatalf("remote member should receive the call, got %+v", fwd)
	}
	if n := h.channels[21].Calls.Len(); n != 1 {
		t.Fatalf("saved target should record the call, got %d", n)
	}

	if err := h.Call(bot, Target{Kind: TargetHost}, call); err != nil {
		t.Fatalf("call host: %v", err)
	}
	if runs != 2 {
		t.Fatalf("host call from the host should run locally")
	}
	if n := countOp(a.drain(), proto.OpResponseForward); n != 0 {
		t.Fatalf("host call handled locally must not reach others")
	}

	h.RemoveLocal(bot)
	if h.participants.Get(bot.ID) != nil {
		t.Fatalf("local participant should be removed")
	}
	if c := h.channels[21]; c.Host == nil || c.Host.ID != a.id {
		t.Fatalf("host should pass to the remaining member")
	}
}

func TestPlayerAndBroadcastTargets(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	c := connect(t, h, "carol")

	a.send(proto.EncodeCall(proto.OpForwardToPlayer, proto.Call{
		Source: a.id, Object: 1, Selector: 1, Target: b.id, Payload: []byte("dm"),
	}))
	a.send(proto.EncodeCall(proto.OpForwardByName, proto.Call{
		Source: a.id, Object: 1, Selector: 1, TargetName: "carol", Payload: []byte("hi"),
	}))
	a.send(proto.EncodeCall(proto.OpBroadcast, proto.Call{
		Source: a.id, Object: 1, Selector: 2, Payload: []byte("all"),
	}))
	a.drain()

	if n := countOp(b.drain(), proto.OpResponseForward); n != 2 {
		t.Fatalf("bob should receive the direct call and the broadcast, got %d", n)
	}
	if n := countOp(c.drain(), proto.OpResponseForward); n != 2 {
		t.Fatalf("carol should receive the named call and the broadcast, got %d", n)
	}

	a.send(proto.EncodeCall(proto.OpBroadcastAdmin, proto.Call{Source: a.id, Object: 1, Selector: 3}))
	a.waitClosed()
}

func TestRemoveSavedCall(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	a.join(30, false, 0)
	a.send(allSaved(a.id, 30, 12, 4, "on"))
	a.expect(proto.OpResponseForward)
	if h.channels[30].Calls.Len() != 1 {
		t.Fatalf("call should be saved")
	}

	w := proto.Begin(proto.OpRequestRemoveSaved)
	w.Int32(30)
	w.Uint32(proto.PackAddress(12, 4))
	w.String("")
	a.send(w.Bytes())
	a.drain()
	if h.channels[30].Calls.Len() != 0 {
		t.Fatalf("saved call should be removed")
	}
}

func TestCallsToTombstonedObjectAreDropped(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	a.join(31, false, 0)
	b.join(31, false, 0)

	w := proto.Begin(proto.OpRequestDestroyObject)
	w.Int32(31)
	w.Uint32(50)
	a.send(w.Bytes())
	a.expect(proto.OpResponseDestroyObjects)
	b.drain()

	a.send(allSaved(a.id, 31, 50, 1, "late"))
	a.drain()
	if n := countOp(b.drain(), proto.OpResponseForward); n != 0 {
		t.Fatalf("call to a destroyed static object should be dropped")
	}
	if h.channels[31].Calls.Len() != 0 {
		t.Fatalf("call to a destroyed static object must not be saved")
	}
	if a.pipe.Closed() {
		t.Fatalf("calls to unknown objects are not a protocol violation")
	}
}

func TestHostTargetFromConnectedMembers(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	c := connect(t, h, "carol")
	a.join(9, false, 0)
	b.join(9, false, 0)
	c.join(9, false, 0)
	a.drain()
	b.drain()
	c.drain()
	if h.channels[9].Host.ID != a.id {
		t.Fatalf("creator should host the channel")
	}

	hostCall := func(from *testClient) []byte {
		return proto.EncodeCall(proto.OpForwardToHost, proto.Call{
			Source: from.id, Channel: 9, Object: 100, Selector: 3, Payload: []byte("x"),
		})
	}

	a.send(hostCall(a))
	got := [3]int{countOp(a.drain(), proto.OpResponseForward), countOp(b.drain(), proto.OpResponseForward), countOp(c.drain(), proto.OpResponseForward)}
	if got != [3]int{0, 0, 0} {
		t.Fatalf("host call from the host must stay local, got %v", got)
	}

	b.send(hostCall(b))
	got = [3]int{countOp(a.drain(), proto.OpResponseForward), countOp(b.drain(), proto.OpResponseForward), countOp(c.drain(), proto.OpResponseForward)}
	if got != [3]int{1, 0, 1} {
		t.Fatalf("host call from a non-host should reach the others, got %v", got)
	}
}
