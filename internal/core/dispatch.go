package core

import (
	"time"

	"github.com/vovakirdan/replica-server/internal/bus"
	"github.com/vovakirdan/replica-server/internal/codec"
	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
)

// request is one decoded inbound message.
type request struct {
	op         proto.Opcode
	r          *codec.Reader
	unreliable bool
}

// malformed reports a decode failure as a protocol violation.
func (req *request) malformed() error {
	if err := req.r.Err(); err != nil {
		return protocolViolation("malformed %s: %v", req.op, err)
	}
	return nil
}

type handlerFunc func(h *Hub, p *Participant, req *request) error

func handlerTable() map[proto.Opcode]handlerFunc {
	t := map[proto.Opcode]handlerFunc{
		proto.OpRequestID:         (*Hub).handleHandshake,
		proto.OpRequestPing:       (*Hub).handlePing,
		proto.OpRequestSetTimeout: (*Hub).handleSetTimeout,

		proto.OpRequestSetName:       (*Hub).handleSetName,
		proto.OpRequestSetAlias:      (*Hub).handleSetAlias,
		proto.OpRequestSetPlayerData: (*Hub).handleSetPlayerData,

		proto.OpRequestJoinChannel:    (*Hub).handleJoinChannel,
		proto.OpRequestLeaveChannel:   (*Hub).handleLeaveChannel,
		proto.OpRequestCloseChannel:   (*Hub).handleCloseChannel,
		proto.OpRequestDeleteChannel:  (*Hub).handleDeleteChannel,
		proto.OpRequestLockChannel:    (*Hub).handleLockChannel,
		proto.OpRequestSetPlayerLimit: (*Hub).handleSetPlayerLimit,
		proto.OpRequestLoadLevel:      (*Hub).handleLoadLevel,
		proto.OpRequestSetHost:        (*Hub).handleSetHost,
		proto.OpRequestSetChannelData: (*Hub).handleSetChannelData,

		proto.OpRequestCreateObject:   (*Hub).handleCreateObject,
		proto.OpRequestDestroyObject:  (*Hub).handleDestroyObject,
		proto.OpRequestTransferObject: (*Hub).handleTransferObject,
		proto.OpRequestChangeOwner:    (*Hub).handleChangeOwner,
		proto.OpRequestExportObject:   (*Hub).handleExportObject,
		proto.OpRequestImportObject:   (*Hub).handleImportObject,

		proto.OpRequestRemoveSaved: (*Hub).handleRemoveSaved,

		proto.OpRequestSetServerData: (*Hub).handleSetServerData,
		proto.OpRequestVerifyAdmin:   (*Hub).handleVerifyAdmin,
		proto.OpRequestAddAdmin:      (*Hub).handleAddAdmin,
		proto.OpRequestRemoveAdmin:   (*Hub).handleRemoveAdmin,
		proto.OpRequestSetBan:        (*Hub).handleSetBan,
		proto.OpRequestRemoveBan:     (*Hub).handleRemoveBan,
		proto.OpRequestKick:          (*Hub).handleKick,

		proto.OpRequestSaveFile:   (*Hub).handleSaveFile,
		proto.OpRequestLoadFile:   (*Hub).handleLoadFile,
		proto.OpRequestDeleteFile: (*Hub).handleDeleteFile,
	}
	for op := range forwardTargets {
		t[op] = (*Hub).handleForward
	}
	return t
}

// dispatch routes one inbound message through the opcode table.
func (h *Hub) dispatch(p *Participant, m bus.Message) error {
	op, r, err := proto.Split(m.Data)
	if err != nil {
		return protocolViolation("%v", err)
	}
	verifying := p.conn.Stage() == bus.StageVerifying
	switch {
	case verifying && op != proto.OpRequestID:
		return protocolViolation("%s before handshake", op)
	case !verifying && op == proto.OpRequestID:
		return protocolViolation("repeated handshake")
	}
	handler, ok := h.handlers[op]
	if !ok {
		return protocolViolation("unexpected opcode %s", op)
	}
	return handler(h, p, &request{op: op, r: r, unreliable: m.Unreliable})
}

func (h *Hub) handleHandshake(p *Participant, req *request) error {
	version := req.r.Int32()
	name := req.r.String()
	profile := datanode.Decode(req.r)
	if err := req.malformed(); err != nil {
		return err
	}

	now := h.now()
	if version != proto.ProtocolVersion {
		w := proto.Begin(proto.OpResponseID)
		w.Int32(proto.ProtocolVersion)
		w.Int32(0)
		w.Int64(h.started.UnixMilli())
		w.Int64(now.UnixMilli())
		p.send(w.Bytes(), false)
		return protocolViolation("protocol version %d, want %d", version, proto.ProtocolVersion)
	}
	if h.server.Banned(name, remoteHost(p.conn.RemoteAddr())) {
		return unauthorized("banned")
	}

	p.Name = name
	p.Profile = profile
	p.conn.SetStage(bus.StageConnected)
	p.conn.BindParticipant(p.ID)

	w := proto.Begin(proto.OpResponseID)
	w.Int32(proto.ProtocolVersion)
	w.Int32(p.ID)
	w.Int64(h.started.UnixMilli())
	w.Int64(now.UnixMilli())
	p.send(w.Bytes(), false)

	if !h.server.Data.Empty() {
		p.send(msgSetData(proto.OpResponseSetServerData, 0, "", h.server.Data.Bytes()), false)
	}
	h.log.Info().Int32("participant", p.ID).Str("name", name).Str("transport", p.conn.Transport()).Msg("participant connected")
	return nil
}

func (h *Hub) handlePing(p *Participant, req *request) error {
	clientTime := req.r.Int64()
	if err := req.malformed(); err != nil {
		return err
	}
	w := proto.Begin(proto.OpResponsePing)
	w.Int64(clientTime)
	w.Int64(h.now().UnixMilli())
	w.Int32(int32(h.participants.Len()))
	p.send(w.Bytes(), req.unreliable)
	return nil
}

func (h *Hub) handleSetTimeout(p *Participant, req *request) error {
	seconds := req.r.Uint32()
	if err := req.malformed(); err != nil {
		return err
	}
	p.Timeout = min(time.Duration(seconds)*time.Second, maxTimeoutOverride)
	return nil
}

func (h *Hub) handleSetName(p *Participant, req *request) error {
	name := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if h.server.Banned(name) {
		return unauthorized("banned name")
	}
	p.Name = name
	w := proto.Begin(proto.OpResponseRenamePlayer)
	w.Int32(p.ID)
	w.String(name)
	broadcast(h.peers(p), w.Bytes(), nil)
	return nil
}

func (h *Hub) handleSetAlias(p *Participant, req *request) error {
	alias := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if alias == "" || p.HasAlias(alias) {
		return nil
	}
	if limit := h.server.MaxAliases; limit > 0 && len(p.Aliases) >= limit {
		return protocolViolation("more than %d aliases", limit)
	}
	if h.server.Banned(alias) {
		return unauthorized("banned alias")
	}
	p.Aliases = append(p.Aliases, alias)
	if h.server.IsAdmin(alias) {
		p.Admin = true
	}
	if len(p.Aliases) == 1 {
		h.loadProfile(p, alias)
	}
	return nil
}

func (h *Hub) handleSetPlayerData(p *Participant, req *request) error {
	path := req.r.String()
	value := req.r.Blob()
	if err := req.malformed(); err != nil {
		return err
	}
	root, err := applyData(p.Profile, path, value)
	if err != nil {
		return protocolViolation("player data: %v", err)
	}
	p.Profile = root
	p.profileDirty = true
	broadcast(h.peers(p), msgSetData(proto.OpResponseSetPlayerData, p.ID, path, value), nil)
	return nil
}

func (h *Hub) handleSetServerData(p *Participant, req *request) error {
	path := req.r.String()
	value := req.r.Blob()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	root, err := applyData(h.server.Data, path, value)
	if err != nil {
		return protocolViolation("server data: %v", err)
	}
	h.server.Data = root
	h.serverDirty = true
	broadcast(h.participants.All(), msgSetData(proto.OpResponseSetServerData, 0, path, value), nil)
	return nil
}

// applyData writes value at path. An empty path replaces the whole tree with
// the encoded value; an empty value removes the path.
func applyData(root *datanode.Node, path string, value []byte) (*datanode.Node, error) {
	if root == nil {
		root = datanode.New("")
	}
	if path == "" {
		if len(value) == 0 {
			return datanode.New(""), nil
		}
		return datanode.FromBytes(value)
	}
	if len(value) == 0 {
		value = nil
	}
	root.Set(path, value)
	return root, nil
}

func requireAdmin(p *Participant) error {
	if !p.Admin {
		return unauthorized("admin required")
	}
	return nil
}

// requireHost allows the channel host and admins.
func requireHost(p *Participant, c *Channel) error {
	if c.Host != p && !p.Admin {
		return unauthorized("host required for channel %d", c.ID)
	}
	return nil
}

// memberChannel returns the awake channel ch if p is joined to it.
func (h *Hub) memberChannel(p *Participant, ch int32) (*Channel, error) {
	c := h.channels[ch]
	if c == nil || !p.InChannel(ch) {
		return nil, ErrNotInChannel
	}
	return c, nil
}
