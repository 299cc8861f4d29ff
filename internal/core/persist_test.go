package core

import (
	"context"
	"slices"
	"testing"

	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
)

func TestPersistentChannelSleepsAndWakes(t *testing.T) {
	h := newTestHub(t, Options{SleepEnabled: true})
	a := connect(t, h, "alice")
	a.join(77, true, 0)
	obj := a.create(77, proto.KindDurable, "chest")
	eph := a.create(77, proto.KindEphemeral, "spark")
	a.send(allSaved(a.id, 77, obj, 1, "open"))
	a.expect(proto.OpResponseForward)

	a.send(channelMsg(proto.OpRequestLeaveChannel, 77))
	a.expect(proto.OpResponseLeaveChannel)
	settle(t, h)

	if _, awake := h.channels[77]; awake {
		t.Fatalf("empty persistent channel should be asleep")
	}
	if h.sleeping[77] == nil || h.sleeping[77].packed == nil {
		t.Fatalf("sleeping channel should be compressed")
	}

	b := connect(t, h, "bob")
	b.send(joinMsg(77, "", "", false, 0))
	snapshot := b.until(proto.OpResponseJoinChannel)

	var created []uint32
	for _, p := range snapshot {
		if p.op != proto.OpResponseCreateObject {
			continue
		}
		p.r.Int32()
		if owner := p.r.Int32(); owner != b.id {
			t.Fatalf("restored object should be owned by the new host, got %d", owner)
		}
		created = append(created, p.r.Uint32())
	}
	if !slices.Equal(created, []uint32{obj}) {
		t.Fatalf("expected only the durable object %d, got %v (ephemeral %d)", obj, created, eph)
	}
	if countOp(snapshot, proto.OpResponseForward) != 1 {
		t.Fatalf("saved call should be replayed after wake")
	}
	if c := h.channels[77]; c == nil || !c.Persistent {
		t.Fatalf("woken channel should keep its persistence")
	}
	if _, asleep := h.sleeping[77]; asleep {
		t.Fatalf("woken channel should leave the sleeping set")
	}
}

func TestSleepDisabledKeepsChannelAwake(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	a.join(4, true, 0)
	a.send(channelMsg(proto.OpRequestLeaveChannel, 4))
	a.expect(proto.OpResponseLeaveChannel)
	if h.channels[4] == nil {
		t.Fatalf("channel should stay awake while sleep is disabled")
	}

	h.SetSleep(true)
	settle(t, h)
	if h.channels[4] != nil || h.sleeping[4] == nil {
		t.Fatalf("enabling sleep should put idle persistent channels to sleep")
	}
}

func TestFlushAndLoad(t *testing.T) {
	st := newTestStore(t)
	h := newTestHubWithStore(t, Options{}, st)
	a := connect(t, h, "alice")
	a.join(5, true, 0)
	obj := a.create(5, proto.KindDurable, "statue")

	w := proto.Begin(proto.OpRequestSetChannelData)
	w.Int32(5)
	w.String("weather")
	w.Blob([]byte("rain"))
	a.send(w.Bytes())
	a.expect(proto.OpResponseSetChannelData)

	h.Ban("griefer")
	if err := h.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	restored := newTestHubWithStore(t, Options{}, st)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !restored.server.Banned("GRIEFER") {
		t.Fatalf("ban list should survive a restart")
	}
	if restored.sleeping[5] == nil {
		t.Fatalf("persistent channel should be restored asleep")
	}

	b := connect(t, restored, "bob")
	b.send(joinMsg(5, "", "", false, 0))
	snapshot := b.until(proto.OpResponseJoinChannel)
	if countOp(snapshot, proto.OpResponseCreateObject) != 1 {
		t.Fatalf("restored channel should contain the object, got %v", opcodes(snapshot))
	}
	c := restored.channels[5]
	if c.Objects.Get(obj) == nil {
		t.Fatalf("object %d should keep its id", obj)
	}
	if v := c.Data.Get("weather"); v == nil || string(v.Value) != "rain" {
		t.Fatalf("channel data should be restored")
	}
}

func TestLoadEmptyStore(t *testing.T) {
	h := newTestHub(t, Options{MinAliases: 1, MaxAliases: 3})
	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(h.sleeping) != 0 {
		t.Fatalf("nothing should be restored")
	}
	if h.server.MinAliases != 1 || h.server.MaxAliases != 3 {
		t.Fatalf("configured alias quota should apply")
	}
}

func TestChannelCodecRoundTrip(t *testing.T) {
	c := NewChannel(12)
	c.Level = "harbor"
	c.Password = "pw"
	c.Persistent = true
	c.Limit = 6
	c.Data.Set("tide", []byte("high"))
	durable, _ := c.CreateObject(3, proto.KindDurable, []byte("boat"))
	ephemeral, _ := c.CreateObject(3, proto.KindEphemeral, []byte("wave"))
	_ = c.DestroyObject(40)
	c.Save(SavedCall{Source: 3, Object: durable.ID, Selector: 2, Payload: []byte("sail")})
	c.Save(SavedCall{Source: 3, Object: ephemeral.ID, Selector: 2, Payload: []byte("crash")})
	c.Save(SavedCall{Source: 3, Object: 9, Name: "lighthouse", Payload: []byte("on")})
	c.Locked = true

	got, err := decodeChannel(12, encodeChannel(c))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Level != "harbor" || got.Password != "pw" || !got.Persistent || got.Limit != 6 || !got.Locked {
		t.Fatalf("descriptor not restored: %+v", got)
	}
	if got.Objects.Len() != 1 || got.Objects.Get(durable.ID) == nil {
		t.Fatalf("only durable objects should be persisted")
	}
	if got.Objects.Counter() != c.Objects.Counter() {
		t.Fatalf("allocator position should be restored")
	}
	if !got.Tombstoned(40) {
		t.Fatalf("tombstone should be restored")
	}
	if n := got.Calls.Len(); n != 2 {
		t.Fatalf("expected calls for durable and static objects, got %d", n)
	}
	if v := got.Data.Get("tide"); v == nil || string(v.Value) != "high" {
		t.Fatalf("channel data not restored")
	}

	packed := compress(encodeChannel(c))
	raw, err := decompress(packed)
	if err != nil || len(raw) == 0 {
		t.Fatalf("decompress: %v", err)
	}
}

func TestSaveFileRejectsConcurrentWrite(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "alice")

	save := func(data string) []byte {
		w := proto.Begin(proto.OpRequestSaveFile)
		w.String("maps/one.bin")
		w.Blob([]byte(data))
		return w.Bytes()
	}
	h.saving[filePrefix+"maps/one.bin"] = struct{}{}
	c.send(save("v1"))
	r := c.expect(proto.OpError)
	if op := proto.Opcode(r.Byte()); op != proto.OpRequestSaveFile {
		t.Fatalf("error should name the request, got %s", op)
	}
	if code := r.String(); code != proto.ErrCodeSaveInProgress {
		t.Fatalf("expected save_in_progress, got %s", code)
	}
	delete(h.saving, filePrefix+"maps/one.bin")

	c.send(save("v2"))
	r = c.expect(proto.OpResponseSaveFile)
	if r.String() != "maps/one.bin" || !r.Bool() {
		t.Fatalf("save should succeed once the path is free")
	}

	c.send(stringMsg(proto.OpRequestLoadFile, "maps/one.bin"))
	r = c.expect(proto.OpResponseLoadFile)
	if r.String() != "maps/one.bin" || !r.Bool() || string(r.Blob()) != "v2" {
		t.Fatalf("load should return the saved contents")
	}

	c.send(stringMsg(proto.OpRequestDeleteFile, "maps/one.bin"))
	settle(t, h)
	c.send(stringMsg(proto.OpRequestLoadFile, "maps/one.bin"))
	r = c.expect(proto.OpResponseLoadFile)
	_ = r.String()
	if r.Bool() {
		t.Fatalf("deleted file should not be found")
	}
}

func TestFilePathEscapeIsFatal(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "alice")
	c.send(stringMsg(proto.OpRequestLoadFile, "../server.yaml"))
	c.waitClosed()
}

func TestProfileLoadedOnFirstAlias(t *testing.T) {
	st := newTestStore(t)
	if err := st.Save(context.Background(), profilePath("steam:42"), mustNodeBytes(t, "score", "99")); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	h := newTestHubWithStore(t, Options{}, st)
	c := connect(t, h, "alice")
	c.send(stringMsg(proto.OpRequestSetAlias, "steam:42"))
	r := c.expect(proto.OpResponseSetPlayerData)
	if id := r.Int32(); id != c.id {
		t.Fatalf("profile update for wrong participant %d", id)
	}
	if path := r.String(); path != "" {
		t.Fatalf("merged profile should be sent whole, got path %q", path)
	}
	p := h.participants.Get(c.id)
	if v := p.Profile.Get("score"); v == nil || string(v.Value) != "99" {
		t.Fatalf("stored profile should be merged")
	}
}

func mustNodeBytes(t *testing.T, path, value string) []byte {
	t.Helper()
	n := datanode.New("")
	n.Set(path, []byte(value))
	return n.Bytes()
}

func TestTransferIntoSleepingChannel(t *testing.T) {
	h := newTestHub(t, Options{SleepEnabled: true})
	a := connect(t, h, "alice")
	a.join(80, true, 0)
	a.send(channelMsg(proto.OpRequestLeaveChannel, 80))
	a.expect(proto.OpResponseLeaveChannel)
	settle(t, h)
	if _, asleep := h.sleeping[80]; !asleep {
		t.Fatalf("channel 80 should be asleep")
	}

	a.join(81, false, 0)
	obj := a.create(81, proto.KindDurable, "crate")
	a.send(allSaved(a.id, 81, obj, 2, "painted"))
	a.expect(proto.OpResponseForward)

	w := proto.Begin(proto.OpRequestTransferObject)
	w.Int32(81)
	w.Int32(80)
	w.Uint32(obj)
	a.send(w.Bytes())
	r := a.expect(proto.OpResponseDestroyObjects)
	if ch := r.Int32(); ch != 81 {
		t.Fatalf("destroy notice should name the source channel, got %d", ch)
	}
	settle(t, h)
	if h.channels[81].Objects.Get(obj) != nil {
		t.Fatalf("object should have left the source channel")
	}

	b := connect(t, h, "bob")
	b.send(joinMsg(80, "", "", false, 0))
	snapshot := b.until(proto.OpResponseJoinChannel)
	if n := countOp(snapshot, proto.OpResponseCreateObject); n != 1 {
		t.Fatalf("transferred object should be in the woken channel, got %d creates", n)
	}
	if n := countOp(snapshot, proto.OpResponseForward); n != 1 {
		t.Fatalf("saved call should follow the object, got %d", n)
	}
}

func TestTransferToUnknownChannelReportsNotFound(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	a.join(82, false, 0)
	obj := a.create(82, proto.KindDurable, "crate")

	w := proto.Begin(proto.OpRequestTransferObject)
	w.Int32(82)
	w.Int32(83)
	w.Uint32(obj)
	a.send(w.Bytes())
	r := a.expect(proto.OpError)
	r.Byte()
	if code := r.String(); code != proto.ErrCodeNotFound {
		t.Fatalf("expected not_found, got %s", code)
	}
	if h.channels[82].Objects.Get(obj) == nil {
		t.Fatalf("object should stay put")
	}
}

func TestFileRequestsAfterWorkersClose(t *testing.T) {
	h := newTestHub(t, Options{})
	c := connect(t, h, "alice")
	h.sched.Close()

	save := proto.Begin(proto.OpRequestSaveFile)
	save.String("maps/two.bin")
	save.Blob([]byte("v1"))
	for range 2 {
		c.send(save.Bytes())
		r := c.expect(proto.OpError)
		r.Byte()
		if code := r.String(); code != proto.ErrCodeStorage {
			t.Fatalf("rejected save should report a storage error, got %s", code)
		}
	}
	if _, busy := h.saving[filePrefix+"maps/two.bin"]; busy {
		t.Fatalf("a rejected save must not leave the path busy")
	}

	c.send(stringMsg(proto.OpRequestLoadFile, "maps/two.bin"))
	r := c.expect(proto.OpError)
	if op := proto.Opcode(r.Byte()); op != proto.OpRequestLoadFile || r.String() != proto.ErrCodeStorage {
		t.Fatalf("rejected load should be reported")
	}
}
