package core

import (
	"errors"
	"strconv"
	"testing"

	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
)

type staticSecret string

func (s staticSecret) VerifyAdmin(secret string) error {
	if secret != string(s) {
		return errors.New("invalid admin secret")
	}
	return nil
}

func verifyAdmin(t *testing.T, c *testClient, secret string) {
	t.Helper()
	c.send(stringMsg(proto.OpRequestVerifyAdmin, secret))
	if r := c.expect(proto.OpResponseVerifyAdmin); !r.Bool() {
		t.Fatalf("admin verification failed")
	}
}

func TestAdminBanDisconnectsMatching(t *testing.T) {
	h := newTestHub(t, Options{Admin: staticSecret("s3cret")})
	admin := connect(t, h, "root")
	verifyAdmin(t, admin, "s3cret")

	victim := connect(t, h, "griefer")
	bystander := connect(t, h, "alice")

	admin.send(stringMsg(proto.OpRequestSetBan, "Griefer"))
	victim.waitClosed()
	if bystander.pipe.Closed() {
		t.Fatalf("ban should only hit matching participants")
	}

	again := dial(t, h)
	w := proto.Begin(proto.OpRequestID)
	w.Int32(proto.ProtocolVersion)
	w.String("griefer")
	datanode.New("").Encode(w)
	again.send(w.Bytes())
	again.waitClosed()

	admin.send(stringMsg(proto.OpRequestRemoveBan, "griefer"))
	admin.drain()
	if h.server.Banned("griefer") {
		t.Fatalf("ban should be lifted")
	}
}

func TestWrongAdminSecretDisconnects(t *testing.T) {
	h := newTestHub(t, Options{Admin: staticSecret("s3cret")})
	c := connect(t, h, "mallory")
	c.send(stringMsg(proto.OpRequestVerifyAdmin, "guess"))
	c.waitClosed()
}

func TestAdminAliasGrantsAdmin(t *testing.T) {
	h := newTestHub(t, Options{Admin: staticSecret("s3cret")})
	root := connect(t, h, "root")
	verifyAdmin(t, root, "s3cret")
	root.send(stringMsg(proto.OpRequestAddAdmin, "steam:7"))
	root.drain()

	c := connect(t, h, "mod")
	c.send(stringMsg(proto.OpRequestSetAlias, "steam:7"))
	c.drain()
	if !h.participants.Get(c.id).Admin {
		t.Fatalf("alias on the admin list should grant admin")
	}
}

func TestAdminBypassesLimitAndLock(t *testing.T) {
	h := newTestHub(t, Options{Admin: staticSecret("s3cret")})
	a := connect(t, h, "alice")
	a.join(60, false, 1)

	admin := connect(t, h, "root")
	verifyAdmin(t, admin, "s3cret")
	admin.join(60, false, 0)

	w := proto.Begin(proto.OpRequestLockChannel)
	w.Int32(60)
	w.Bool(true)
	admin.send(w.Bytes())
	r := a.expect(proto.OpResponseChannelInfo)
	r.Int32()
	if flags := r.Byte(); flags&proto.FlagLocked == 0 {
		t.Fatalf("channel info should carry the locked flag")
	}

	w = proto.Begin(proto.OpRequestCreateObject)
	w.Int32(60)
	w.Byte(proto.KindDurable)
	w.Blob(nil)
	a.send(w.Bytes())
	r = a.expect(proto.OpError)
	r.Byte()
	if code := r.String(); code != proto.ErrCodeChannelLocked {
		t.Fatalf("locked channel should reject new objects, got %s", code)
	}

	b := connect(t, h, "bob")
	b.send(joinMsg(60, "", "", false, 0))
	r = b.expect(proto.OpResponseJoinChannel)
	r.Int32()
	if r.Bool() || r.String() != proto.ErrCodeChannelLocked {
		t.Fatalf("locked channel should refuse joins")
	}

	if id := admin.create(60, proto.KindDurable, "flag"); id < proto.MinDynamicID {
		t.Fatalf("admin should create objects in a locked channel, got %d", id)
	}
	a.drain()
	a.send(allSaved(a.id, 60, 5, 2, "lit"))
	a.expect(proto.OpResponseForward)
	if n := h.channels[60].Calls.Len(); n != 1 {
		t.Fatalf("saved calls are still recorded in a locked channel, got %d", n)
	}

	second := connect(t, h, "ops")
	verifyAdmin(t, second, "s3cret")
	if ch := second.join(60, false, 0); ch != 60 {
		t.Fatalf("admin should join a locked, full channel")
	}
}

func TestNonHostCannotCloseChannel(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	a.join(61, false, 0)
	b.join(61, false, 0)

	w := proto.Begin(proto.OpRequestCloseChannel)
	w.Int32(61)
	w.Bool(true)
	a.send(w.Bytes())
	r := b.expect(proto.OpResponseChannelInfo)
	r.Int32()
	if r.Byte()&proto.FlagClosed == 0 {
		t.Fatalf("host should be able to close the channel")
	}

	b.send(w.Bytes())
	b.waitClosed()
}

func TestOperatorControls(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")
	a.join(70, false, 0)

	stats := h.Stats()
	if stats.Participants != 2 || stats.Channels != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if infos := h.Channels(); len(infos) != 1 || infos[0].ID != 70 || infos[0].Members != 1 {
		t.Fatalf("unexpected channel list %+v", infos)
	}

	if !h.Kick(strconv.Itoa(int(b.id))) {
		t.Fatalf("kick by id should find bob")
	}
	b.waitClosed()
	if h.Kick("nobody") {
		t.Fatalf("kick should report unknown participants")
	}

	if n := h.Ban("alice"); n != 1 {
		t.Fatalf("ban should disconnect alice, got %d", n)
	}
	a.waitClosed()
	if !h.Unban("alice") || h.Unban("alice") {
		t.Fatalf("unban should succeed exactly once")
	}

	if err := h.SetAliasQuota(3, 1); err == nil {
		t.Fatalf("inverted alias quota should be rejected")
	}
	if err := h.SetAliasQuota(1, 4); err != nil {
		t.Fatalf("set alias quota: %v", err)
	}
	if s := h.Stats(); s.MinAliases != 1 || s.MaxAliases != 4 {
		t.Fatalf("alias quota not applied: %+v", s)
	}
}

func TestOperatorDeleteChannel(t *testing.T) {
	h := newTestHub(t, Options{})
	a := connect(t, h, "alice")
	a.join(80, true, 0)
	if !h.DeleteChannel(80) {
		t.Fatalf("channel should be deleted")
	}
	a.expect(proto.OpResponseLeaveChannel)
	if h.channels[80] != nil || a.pipe.Closed() {
		t.Fatalf("members are evicted but stay connected")
	}
	if h.DeleteChannel(80) {
		t.Fatalf("second delete should report nothing found")
	}
}

func TestBanByParticipantID(t *testing.T) {
	h := newTestHub(t, Options{Admin: staticSecret("s3cret")})
	a := connect(t, h, "alice")
	b := connect(t, h, "bob")

	if n := h.Ban(strconv.Itoa(int(a.id))); n != 1 {
		t.Fatalf("ban by id should disconnect alice, got %d", n)
	}
	a.waitClosed()
	if b.pipe.Closed() {
		t.Fatalf("ban by id should not hit other participants")
	}
	if !h.server.Banned("alice") {
		t.Fatalf("ban by id should record the participant's name")
	}

	admin := connect(t, h, "root")
	verifyAdmin(t, admin, "s3cret")
	admin.send(stringMsg(proto.OpRequestSetBan, strconv.Itoa(int(b.id))))
	b.waitClosed()
	if admin.pipe.Closed() || !h.server.Banned("bob") {
		t.Fatalf("admin ban by id should disconnect bob only")
	}

	if n := h.Ban("9999"); n != 0 || !h.server.Banned("9999") {
		t.Fatalf("an id nobody holds is kept as a plain keyword")
	}
}
