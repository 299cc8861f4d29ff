package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/vovakirdan/replica-server/internal/codec"
	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
	"github.com/vovakirdan/replica-server/internal/store"
)

// Blob paths.
const (
	worldPath      = "world.dat"
	serverDataPath = "server.yaml"
	profilePrefix  = "players/"
	filePrefix     = "files/"

	storeTimeout = 30 * time.Second
)

var unsafeAliasChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func profilePath(alias string) string {
	return profilePrefix + unsafeAliasChars.ReplaceAllString(alias, "_") + ".dat"
}

// sleeper is the serialized form of an empty persistent channel. It is never
// mutated after construction, so workers may read it freely; compression
// replaces the map entry with a new sleeper.
type sleeper struct {
	raw    []byte
	packed []byte
}

func (s *sleeper) wake(id int32) (*Channel, error) {
	raw := s.raw
	if raw == nil {
		var err error
		if raw, err = decompress(s.packed); err != nil {
			return nil, err
		}
	}
	return decodeChannel(id, raw)
}

// sleep serializes c on the tick goroutine and compresses it on a worker.
func (h *Hub) sleep(c *Channel) {
	s := &sleeper{raw: encodeChannel(c)}
	h.sleeping[c.ID] = s
	delete(h.channels, c.ID)
	h.worldDirty = true
	h.log.Debug().Int32("channel", c.ID).Int("bytes", len(s.raw)).Msg("channel asleep")

	var packed []byte
	ok := h.sched.SubmitWithCallback(
		func() { packed = compress(s.raw) },
		func() {
			if h.sleeping[c.ID] == s {
				h.sleeping[c.ID] = &sleeper{packed: packed}
			}
		},
	)
	if !ok {
		h.log.Debug().Int32("channel", c.ID).Msg("channel kept uncompressed: workers closed")
	}
}

// SetSleep toggles whether empty persistent channels are put to sleep.
func (h *Hub) SetSleep(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sleepEnabled = enabled
	if !enabled {
		return
	}
	for _, c := range h.channels {
		if c.Persistent && c.Empty() {
			h.sleep(c)
		}
	}
}

type worldItem struct {
	id     int32
	raw    []byte
	packed []byte
}

// snapshotWorld captures every persistent channel. Encoding runs here on the
// tick goroutine; compression is left to whoever writes the items.
func (h *Hub) snapshotWorld() []worldItem {
	items := make([]worldItem, 0, len(h.channels)+len(h.sleeping))
	for _, c := range h.channels {
		if c.Persistent {
			items = append(items, worldItem{id: c.ID, raw: encodeChannel(c)})
			c.dirty = false
		}
	}
	for id, s := range h.sleeping {
		items = append(items, worldItem{id: id, raw: s.raw, packed: s.packed})
	}
	h.worldDirty = false
	return items
}

func encodeWorld(items []worldItem) []byte {
	w := codec.NewWriter(1024)
	w.Uvarint(uint64(len(items)))
	for _, it := range items {
		blob := it.packed
		if blob == nil {
			blob = compress(it.raw)
		}
		w.Int32(it.id)
		w.Blob(blob)
	}
	return w.Bytes()
}

func decodeWorld(data []byte) (map[int32]*sleeper, error) {
	r := codec.NewReader(data)
	n := r.Uvarint()
	out := make(map[int32]*sleeper)
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		id := r.Int32()
		out[id] = &sleeper{packed: r.Blob()}
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode world: %w", err)
	}
	return out, nil
}

type profileItem struct {
	path string
	data []byte
}

func (h *Hub) dirtyProfiles() []profileItem {
	var out []profileItem
	for _, p := range h.participants.All() {
		if p.profileDirty && len(p.Aliases) > 0 {
			out = append(out, profileItem{path: profilePath(p.Aliases[0]), data: p.Profile.Bytes()})
			p.profileDirty = false
		}
	}
	return out
}

func (h *Hub) dirty() bool {
	if h.worldDirty || h.serverDirty {
		return true
	}
	for _, c := range h.channels {
		if c.Persistent && c.dirty {
			return true
		}
	}
	for _, p := range h.participants.All() {
		if p.profileDirty {
			return true
		}
	}
	return false
}

func (h *Hub) autosave(now time.Time) {
	if h.opts.AutosaveInterval <= 0 || now.Sub(h.lastSave) < h.opts.AutosaveInterval {
		return
	}
	h.lastSave = now
	if h.dirty() {
		h.saveAll()
	}
}

// SaveNow schedules a save of everything that changed.
func (h *Hub) SaveNow() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSave = h.now()
	h.saveAll()
}

// saveAll snapshots state on the tick goroutine and writes it on a worker.
// A save already in flight for the world is not duplicated.
func (h *Hub) saveAll() {
	if _, busy := h.saving[worldPath]; busy {
		return
	}
	items := h.snapshotWorld()
	var server []byte
	if h.serverDirty {
		data, err := h.server.marshal()
		if err != nil {
			h.log.Error().Err(err).Msg("failed to encode server data")
		} else {
			server = data
			h.serverDirty = false
		}
	}
	profiles := h.dirtyProfiles()

	h.saving[worldPath] = struct{}{}
	ctx := h.ctx
	var err error
	start := h.now()
	ok := h.sched.SubmitWithCallback(
		func() { err = writeState(ctx, h.store, items, server, profiles) },
		func() {
			delete(h.saving, worldPath)
			if err != nil {
				h.worldDirty = true
				h.log.Error().Err(err).Msg("save failed")
				return
			}
			h.log.Debug().Int("channels", len(items)).Int("profiles", len(profiles)).Dur("took", h.now().Sub(start)).Msg("state saved")
		},
	)
	if !ok {
		delete(h.saving, worldPath)
	}
}

func writeState(ctx context.Context, st store.BlobStore, items []worldItem, server []byte, profiles []profileItem) error {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	var errs []error
	if err := st.Save(ctx, worldPath, encodeWorld(items)); err != nil {
		errs = append(errs, fmt.Errorf("save world: %w", err))
	}
	if server != nil {
		if err := st.Save(ctx, serverDataPath, server); err != nil {
			errs = append(errs, fmt.Errorf("save server data: %w", err))
		}
	}
	for _, p := range profiles {
		if err := st.Save(ctx, p.path, p.data); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", p.path, err))
		}
	}
	return errors.Join(errs...)
}

// Flush writes every piece of persisted state synchronously.
func (h *Hub) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushLocked(ctx)
}

func (h *Hub) flushLocked(ctx context.Context) error {
	items := h.snapshotWorld()
	server, err := h.server.marshal()
	if err != nil {
		return fmt.Errorf("encode server data: %w", err)
	}
	h.serverDirty = false
	return writeState(ctx, h.store, items, server, h.dirtyProfiles())
}

// Load restores server data and the sleeping world from the store. It must
// run before Run.
func (h *Hub) Load(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	blob, err := h.store.Load(ctx, serverDataPath)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load server data: %w", err)
	default:
		sd, err := unmarshalServerData(blob.Data, h.server)
		if err != nil {
			return err
		}
		h.server = sd
	}

	blob, err = h.store.Load(ctx, worldPath)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load world: %w", err)
	default:
		sleeping, err := decodeWorld(blob.Data)
		if err != nil {
			return err
		}
		h.sleeping = sleeping
	}
	h.log.Info().Int("channels", len(h.sleeping)).Int("bans", len(h.server.Bans)).Msg("state loaded")
	return nil
}

// loadProfile fetches the profile saved under alias on a worker and merges
// it under the values the participant already sent.
func (h *Hub) loadProfile(p *Participant, alias string) {
	path := profilePath(alias)
	ctx := h.ctx
	var (
		loaded *datanode.Node
		err    error
	)
	ok := h.sched.SubmitWithCallback(
		func() {
			ctx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			var blob *store.Blob
			if blob, err = h.store.Load(ctx, path); err == nil {
				loaded, err = datanode.FromBytes(blob.Data)
			}
		},
		func() {
			if p.gone {
				return
			}
			if errors.Is(err, store.ErrNotFound) {
				return
			}
			if err != nil {
				h.log.Error().Err(err).Str("path", path).Msg("failed to load profile")
				return
			}
			loaded.Merge(p.Profile)
			p.Profile = loaded
			broadcast(h.peers(p), msgSetData(proto.OpResponseSetPlayerData, p.ID, "", p.Profile.Bytes()), nil)
		},
	)
	if !ok {
		h.log.Warn().Int32("participant", p.ID).Str("path", path).Msg("profile not loaded: workers closed")
	}
}

func (h *Hub) saveProfile(p *Participant) {
	if !p.profileDirty || len(p.Aliases) == 0 {
		return
	}
	p.profileDirty = false
	path := profilePath(p.Aliases[0])
	data := p.Profile.Bytes()
	ctx := h.ctx
	ok := h.sched.Submit(func() {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if err := h.store.Save(ctx, path, data); err != nil {
			h.log.Error().Err(err).Str("path", path).Msg("failed to save profile")
		}
	})
	if !ok {
		p.profileDirty = true
	}
}
