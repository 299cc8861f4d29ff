package core

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/vovakirdan/replica-server/internal/codec"
	"github.com/vovakirdan/replica-server/internal/datanode"
	"github.com/vovakirdan/replica-server/internal/proto"
)

const (
	channelBlobVersion = 1
	exportBlobVersion  = 1
)

var errBlobVersion = errors.New("unsupported blob version")

// Package-level zstd codecs; EncodeAll and DecodeAll are safe for concurrent
// use, so worker jobs share them.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func compress(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

func decompress(packed []byte) ([]byte, error) {
	raw, err := zstdDecoder.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress channel: %w", err)
	}
	return raw, nil
}

// encodeChannel serializes the persisted part of a channel. Ephemeral objects
// belong to connected creators and are not saved.
func encodeChannel(c *Channel) []byte {
	w := codec.NewWriter(256)
	w.Uint16(channelBlobVersion)
	w.String(c.Level)
	c.Data.Encode(w)
	w.Uint32(c.Objects.Counter())
	w.String(c.Password)
	w.Bool(c.Persistent)
	w.Int32(int32(c.Limit))

	durable := make(map[uint32]bool)
	var objects []*Object
	for _, obj := range c.Objects.All() {
		if obj.Durable() {
			objects = append(objects, obj)
			durable[obj.ID] = true
		}
	}

	var calls []SavedCall
	for _, call := range c.Calls.Entries() {
		if call.Object <= proto.MaxStaticID || durable[call.Object] {
			calls = append(calls, call)
		}
	}
	w.Uvarint(uint64(len(calls)))
	for _, call := range calls {
		writeSavedCall(w, call)
	}

	w.Uvarint(uint64(len(objects)))
	for _, obj := range objects {
		w.Uint32(obj.ID)
		w.Int32(obj.Owner)
		w.Int32(obj.Creator)
		w.Byte(obj.Kind)
		w.Blob(obj.Payload)
	}

	tombs := c.Tombstones()
	w.Uvarint(uint64(len(tombs)))
	for _, id := range tombs {
		w.Uint32(id)
	}
	w.Bool(c.Locked)
	return w.Bytes()
}

// decodeChannel rebuilds a channel from encodeChannel output.
func decodeChannel(id int32, data []byte) (*Channel, error) {
	r := codec.NewReader(data)
	if v := r.Uint16(); r.Err() == nil && v != channelBlobVersion {
		return nil, fmt.Errorf("channel %d: %w %d", id, errBlobVersion, v)
	}
	c := NewChannel(id)
	c.Level = r.String()
	c.Data = datanode.Decode(r)
	c.Objects.SetCounter(r.Uint32())
	c.Password = r.String()
	c.Persistent = r.Bool()
	c.Limit = int(r.Int32())

	callCount := r.Uvarint()
	calls := make([]SavedCall, 0, min(callCount, uint64(r.Remaining())))
	for i := uint64(0); i < callCount && r.Err() == nil; i++ {
		calls = append(calls, readSavedCall(r))
	}

	objCount := r.Uvarint()
	for i := uint64(0); i < objCount && r.Err() == nil; i++ {
		obj := &Object{ID: r.Uint32(), Owner: r.Int32(), Creator: r.Int32(), Kind: r.Byte(), Payload: r.Blob()}
		if obj.ID >= proto.MinDynamicID && obj.ID <= proto.MaxDynamicID {
			c.Objects.insert(obj)
		}
	}

	tombCount := r.Uvarint()
	for i := uint64(0); i < tombCount && r.Err() == nil; i++ {
		c.tombstones[r.Uint32()] = struct{}{}
	}
	c.Locked = r.Bool()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode channel %d: %w", id, err)
	}

	for _, call := range calls {
		if c.addressable(call.Object) {
			c.Calls.Upsert(call)
		}
	}
	return c, nil
}

func writeSavedCall(w *codec.Writer, c SavedCall) {
	w.Int32(c.Source)
	w.Uint32(proto.PackAddress(c.Object, c.Selector))
	w.String(c.Name)
	w.Blob(c.Payload)
}

func readSavedCall(r *codec.Reader) SavedCall {
	var c SavedCall
	c.Source = r.Int32()
	c.Object, c.Selector = proto.UnpackAddress(r.Uint32())
	c.Name = r.String()
	c.Payload = r.Blob()
	return c
}

func encodeExport(obj *Object, calls []SavedCall) []byte {
	w := codec.NewWriter(64 + len(obj.Payload))
	w.Uint16(exportBlobVersion)
	w.Byte(obj.Kind)
	w.Blob(obj.Payload)
	w.Uvarint(uint64(len(calls)))
	for _, c := range calls {
		writeSavedCall(w, c)
	}
	return w.Bytes()
}

func decodeExport(blob []byte) (kind byte, payload []byte, calls []SavedCall, err error) {
	r := codec.NewReader(blob)
	if v := r.Uint16(); r.Err() == nil && v != exportBlobVersion {
		return 0, nil, nil, fmt.Errorf("export: %w %d", errBlobVersion, v)
	}
	kind = r.Byte()
	payload = r.Blob()
	n := r.Uvarint()
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		calls = append(calls, readSavedCall(r))
	}
	if err := r.Err(); err != nil {
		return 0, nil, nil, fmt.Errorf("decode export: %w", err)
	}
	return kind, payload, calls, nil
}
