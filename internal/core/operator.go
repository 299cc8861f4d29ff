package core

import (
	"cmp"
	"slices"
	"strconv"
	"time"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	Participants int           `json:"participants"`
	Channels     int           `json:"channels"`
	Sleeping     int           `json:"sleeping"`
	Waking       int           `json:"waking"`
	Workers      int           `json:"workers"`
	PendingJobs  int           `json:"pending_jobs"`
	SleepEnabled bool          `json:"sleep_enabled"`
	MinAliases   int           `json:"min_aliases"`
	MaxAliases   int           `json:"max_aliases"`
	Bans         []string      `json:"bans"`
	Uptime       time.Duration `json:"uptime"`
}

// ChannelInfo summarizes one awake channel.
type ChannelInfo struct {
	ID         int32  `json:"id"`
	Level      string `json:"level"`
	Members    int    `json:"members"`
	Objects    int    `json:"objects"`
	SavedCalls int    `json:"saved_calls"`
	Persistent bool   `json:"persistent"`
	Locked     bool   `json:"locked"`
	Closed     bool   `json:"closed"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Participants: h.participants.Len(),
		Channels:     len(h.channels),
		Sleeping:     len(h.sleeping),
		Waking:       len(h.waking),
		Workers:      h.sched.Size(),
		PendingJobs:  h.sched.Pending(),
		SleepEnabled: h.sleepEnabled,
		MinAliases:   h.server.MinAliases,
		MaxAliases:   h.server.MaxAliases,
		Bans:         slices.Clone(h.server.Bans),
		Uptime:       h.now().Sub(h.started),
	}
}

// Channels lists awake channels by id.
func (h *Hub) Channels() []ChannelInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChannelInfo, 0, len(h.channels))
	for _, c := range h.channels {
		out = append(out, ChannelInfo{
			ID:         c.ID,
			Level:      c.Level,
			Members:    c.Len(),
			Objects:    c.Objects.Len(),
			SavedCalls: c.Calls.Len(),
			Persistent: c.Persistent,
			Locked:     c.Locked,
			Closed:     c.Closed,
		})
	}
	slices.SortFunc(out, func(a, b ChannelInfo) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Ban adds a ban keyword and disconnects matching participants. It returns
// how many were disconnected.
func (h *Hub) Ban(keyword string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.banLocked(keyword)
}

// Unban removes a ban keyword.
func (h *Hub) Unban(keyword string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.server.RemoveBan(keyword) {
		return false
	}
	h.serverDirty = true
	return true
}

// Kick disconnects the participant named by a numeric id or a name.
func (h *Hub) Kick(who string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var target *Participant
	if id, err := strconv.ParseInt(who, 10, 32); err == nil {
		target = h.participants.Get(int32(id))
	}
	if target == nil {
		target = h.participants.FindByName(who)
	}
	if target == nil || target.Local() {
		return false
	}
	h.disconnect(target, "kicked by operator")
	return true
}

// SetAliasQuota changes the alias bounds applied to later requests.
func (h *Hub) SetAliasQuota(minAliases, maxAliases int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.server.SetAliasQuota(minAliases, maxAliases); err != nil {
		return err
	}
	h.serverDirty = true
	return nil
}

// DeleteChannel evicts everyone from a channel and forgets it.
func (h *Hub) DeleteChannel(id int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteChannel(id)
}
