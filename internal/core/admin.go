package core

import (
	"net"
	"strconv"

	"github.com/vovakirdan/replica-server/internal/proto"
)

func (h *Hub) handleVerifyAdmin(p *Participant, req *request) error {
	secret := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if h.opts.Admin == nil {
		return unauthorized("admin verification disabled")
	}
	if err := h.opts.Admin.VerifyAdmin(secret); err != nil {
		return unauthorized("admin verification failed")
	}
	p.Admin = true
	w := proto.Begin(proto.OpResponseVerifyAdmin)
	w.Bool(true)
	p.send(w.Bytes(), false)
	h.log.Info().Int32("participant", p.ID).Str("name", p.Name).Msg("admin verified")
	return nil
}

func (h *Hub) handleAddAdmin(p *Participant, req *request) error {
	alias := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	if h.server.AddAdmin(alias) {
		h.serverDirty = true
		for _, q := range h.participants.All() {
			if q.HasAlias(alias) {
				q.Admin = true
			}
		}
	}
	return nil
}

func (h *Hub) handleRemoveAdmin(p *Participant, req *request) error {
	alias := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	if h.server.RemoveAdmin(alias) {
		h.serverDirty = true
		for _, q := range h.participants.All() {
			if q.HasAlias(alias) {
				q.Admin = false
			}
		}
	}
	return nil
}

func (h *Hub) handleSetBan(p *Participant, req *request) error {
	keyword := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	h.banLocked(keyword)
	return nil
}

func (h *Hub) handleRemoveBan(p *Participant, req *request) error {
	keyword := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	if h.server.RemoveBan(keyword) {
		h.serverDirty = true
	}
	return nil
}

func (h *Hub) handleKick(p *Participant, req *request) error {
	id := req.r.Int32()
	name := req.r.String()
	if err := req.malformed(); err != nil {
		return err
	}
	if err := requireAdmin(p); err != nil {
		return err
	}
	target := h.participants.Get(id)
	if target == nil && name != "" {
		target = h.participants.FindByName(name)
	}
	if target != nil && !target.Local() {
		h.disconnect(target, "kicked by "+strconv.Itoa(int(p.ID)))
	}
	return nil
}

// banLocked bans target and disconnects every matching participant. When
// target is the id of a connected participant, that participant's name,
// aliases and IP address are banned instead. It returns how many were
// disconnected.
func (h *Hub) banLocked(target string) int {
	keys, named := h.banKeys(target)
	for _, k := range keys {
		if h.server.AddBan(k) {
			h.serverDirty = true
		}
	}
	kicked := 0
	for _, q := range h.participants.All() {
		if q.Local() {
			continue
		}
		keys := append([]string{q.Name, remoteHost(q.conn.RemoteAddr())}, q.Aliases...)
		if q == named || h.server.Banned(keys...) {
			h.disconnect(q, "banned")
			kicked++
		}
	}
	return kicked
}

func (h *Hub) banKeys(target string) ([]string, *Participant) {
	id, err := strconv.ParseInt(target, 10, 32)
	if err != nil {
		return []string{target}, nil
	}
	q := h.participants.Get(int32(id))
	if q == nil || q.Local() {
		return []string{target}, nil
	}
	keys := append([]string{q.Name}, q.Aliases...)
	if host := remoteHost(q.conn.RemoteAddr()); net.ParseIP(host) != nil {
		keys = append(keys, host)
	}
	return keys, q
}
