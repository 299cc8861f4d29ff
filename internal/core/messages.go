package core

import (
	"errors"

	"github.com/vovakirdan/replica-server/internal/proto"
	"github.com/vovakirdan/replica-server/internal/store"
)

func opcodeOf(data []byte) proto.Opcode {
	if len(data) == 0 {
		return proto.OpError
	}
	return proto.Opcode(data[0])
}

func errCodeFor(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return proto.ErrCodeNotFound
	}
	if errors.Is(err, store.ErrInvalidPath) {
		return proto.ErrCodeBadRequest
	}
	return proto.ErrCodeStorage
}

func msgError(op proto.Opcode, ce *CoreError) []byte {
	w := proto.Begin(proto.OpError)
	w.Byte(byte(op))
	w.String(ce.Code)
	w.String(ce.Message)
	return w.Bytes()
}

func msgPlayerJoined(ch int32, p *Participant, withInfo bool) []byte {
	w := proto.Begin(proto.OpResponsePlayerJoined)
	w.Int32(ch)
	w.Int32(p.ID)
	w.Bool(withInfo)
	if withInfo {
		w.String(p.Name)
		p.Profile.Encode(w)
	}
	return w.Bytes()
}

func msgPlayerLeft(ch, id int32) []byte {
	w := proto.Begin(proto.OpResponsePlayerLeft)
	w.Int32(ch)
	w.Int32(id)
	return w.Bytes()
}

func msgChannel(op proto.Opcode, ch int32) []byte {
	w := proto.Begin(op)
	w.Int32(ch)
	return w.Bytes()
}

func msgSetHost(ch, host int32) []byte {
	w := proto.Begin(proto.OpResponseSetHost)
	w.Int32(ch)
	w.Int32(host)
	return w.Bytes()
}

func msgLoadLevel(ch int32, level string) []byte {
	w := proto.Begin(proto.OpResponseLoadLevel)
	w.Int32(ch)
	w.String(level)
	return w.Bytes()
}

// msgSetData builds a key/value update. An empty path carries the whole
// encoded tree; an empty value removes the path.
func msgSetData(op proto.Opcode, scope int32, path string, value []byte) []byte {
	w := proto.Begin(op)
	if op != proto.OpResponseSetServerData {
		w.Int32(scope)
	}
	w.String(path)
	w.Blob(value)
	return w.Bytes()
}

func msgChannelInfo(c *Channel) []byte {
	w := proto.Begin(proto.OpResponseChannelInfo)
	w.Int32(c.ID)
	w.Byte(c.Flags())
	w.Uint16(uint16(c.Limit))
	w.Uint16(uint16(c.Len()))
	w.String(c.Level)
	return w.Bytes()
}

func msgJoinResult(ch int32, err error) []byte {
	w := proto.Begin(proto.OpResponseJoinChannel)
	w.Int32(ch)
	w.Bool(err == nil)
	if err != nil {
		code := proto.ErrCodeBadRequest
		if ce := toCoreError(err); ce != nil {
			code = ce.Code
		}
		w.String(code)
	} else {
		w.String("")
	}
	return w.Bytes()
}

func msgCreateObject(ch int32, obj *Object) []byte {
	w := proto.Begin(proto.OpResponseCreateObject)
	w.Int32(ch)
	w.Int32(obj.Owner)
	w.Uint32(obj.ID)
	w.Byte(obj.Kind)
	w.Blob(obj.Payload)
	return w.Bytes()
}

func msgDestroyObjects(ch int32, ids []uint32) []byte {
	w := proto.Begin(proto.OpResponseDestroyObjects)
	w.Int32(ch)
	w.Uvarint(uint64(len(ids)))
	for _, id := range ids {
		w.Uint32(id)
	}
	return w.Bytes()
}

func msgTransferObject(from, to int32, oldID, newID uint32) []byte {
	w := proto.Begin(proto.OpResponseTransferObject)
	w.Int32(from)
	w.Int32(to)
	w.Uint32(oldID)
	w.Uint32(newID)
	return w.Bytes()
}

func msgChangeOwner(ch int32, objs []*Object) []byte {
	w := proto.Begin(proto.OpResponseChangeOwner)
	w.Int32(ch)
	w.Uvarint(uint64(len(objs)))
	for _, obj := range objs {
		w.Uint32(obj.ID)
		w.Int32(obj.Owner)
	}
	return w.Bytes()
}

func msgSavedCall(ch int32, c SavedCall) []byte {
	return proto.EncodeCall(proto.OpResponseForward, proto.Call{
		Source:   c.Source,
		Channel:  ch,
		Object:   c.Object,
		Selector: c.Selector,
		Name:     c.Name,
		Payload:  c.Payload,
	})
}
