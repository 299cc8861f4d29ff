// Package proto defines the binary wire protocol. Every message begins with a
// one-byte Opcode followed by fields encoded with the codec package.
package proto

import (
	"fmt"

	"github.com/vovakirdan/replica-server/internal/codec"
)

// ProtocolVersion is bumped on any incompatible wire change.
const ProtocolVersion = 1

// Opcode identifies a message.
type Opcode byte

const (
	OpError Opcode = iota
	OpDisconnect

	// Handshake and liveness.
	OpRequestID
	OpResponseID
	OpRequestPing
	OpResponsePing
	OpRequestSetTimeout

	// Identity.
	OpRequestSetName
	OpResponseRenamePlayer
	OpRequestSetAlias
	OpRequestSetPlayerData
	OpResponseSetPlayerData

	// Channel membership.
	OpRequestJoinChannel
	OpResponseJoiningChannel
	OpResponsePlayerJoined
	OpResponsePlayerLeft
	OpResponseSetHost
	OpResponseSetChannelData
	OpResponseLoadLevel
	OpResponseChannelInfo
	OpResponseJoinChannel
	OpRequestLeaveChannel
	OpResponseLeaveChannel
	OpRequestCloseChannel
	OpRequestDeleteChannel
	OpRequestLockChannel
	OpRequestSetPlayerLimit
	OpRequestLoadLevel
	OpRequestSetHost
	OpRequestSetChannelData

	// Objects.
	OpRequestCreateObject
	OpResponseCreateObject
	OpRequestDestroyObject
	OpResponseDestroyObjects
	OpRequestTransferObject
	OpResponseTransferObject
	OpRequestChangeOwner
	OpResponseChangeOwner
	OpRequestExportObject
	OpResponseExportObject
	OpRequestImportObject
	OpResponseImportObject

	// Remote calls.
	OpForwardToAll
	OpForwardToAllSaved
	OpForwardToOthers
	OpForwardToOthersSaved
	OpForwardToHost
	OpForwardToPlayer
	OpForwardByName
	OpBroadcast
	OpBroadcastAdmin
	OpResponseForward
	OpRequestRemoveSaved

	// Key/value data.
	OpRequestSetServerData
	OpResponseSetServerData

	// Administration.
	OpRequestVerifyAdmin
	OpResponseVerifyAdmin
	OpRequestAddAdmin
	OpRequestRemoveAdmin
	OpRequestSetBan
	OpRequestRemoveBan
	OpRequestKick

	// Files.
	OpRequestSaveFile
	OpResponseSaveFile
	OpRequestLoadFile
	OpResponseLoadFile
	OpRequestDeleteFile

	opcodeCount
)

var opcodeNames = [...]string{
	OpError:                   "error",
	OpDisconnect:              "disconnect",
	OpRequestID:               "request_id",
	OpResponseID:              "response_id",
	OpRequestPing:             "request_ping",
	OpResponsePing:            "response_ping",
	OpRequestSetTimeout:       "request_set_timeout",
	OpRequestSetName:          "request_set_name",
	OpResponseRenamePlayer:    "response_rename_player",
	OpRequestSetAlias:         "request_set_alias",
	OpRequestSetPlayerData:    "request_set_player_data",
	OpResponseSetPlayerData:   "response_set_player_data",
	OpRequestJoinChannel:      "request_join_channel",
	OpResponseJoiningChannel:  "response_joining_channel",
	OpResponsePlayerJoined:    "response_player_joined",
	OpResponsePlayerLeft:      "response_player_left",
	OpResponseSetHost:         "response_set_host",
	OpResponseSetChannelData:  "response_set_channel_data",
	OpResponseLoadLevel:       "response_load_level",
	OpResponseChannelInfo:     "response_channel_info",
	OpResponseJoinChannel:     "response_join_channel",
	OpRequestLeaveChannel:     "request_leave_channel",
	OpResponseLeaveChannel:    "response_leave_channel",
	OpRequestCloseChannel:     "request_close_channel",
	OpRequestDeleteChannel:    "request_delete_channel",
	OpRequestLockChannel:      "request_lock_channel",
	OpRequestSetPlayerLimit:   "request_set_player_limit",
	OpRequestLoadLevel:        "request_load_level",
	OpRequestSetHost:          "request_set_host",
	OpRequestSetChannelData:   "request_set_channel_data",
	OpRequestCreateObject:     "request_create_object",
	OpResponseCreateObject:    "response_create_object",
	OpRequestDestroyObject:    "request_destroy_object",
	OpResponseDestroyObjects:  "response_destroy_objects",
	OpRequestTransferObject:   "request_transfer_object",
	OpResponseTransferObject:  "response_transfer_object",
	OpRequestChangeOwner:      "request_change_owner",
	OpResponseChangeOwner:     "response_change_owner",
	OpRequestExportObject:     "request_export_object",
	OpResponseExportObject:    "response_export_object",
	OpRequestImportObject:     "request_import_object",
	OpResponseImportObject:    "response_import_object",
	OpForwardToAll:            "forward_to_all",
	OpForwardToAllSaved:       "forward_to_all_saved",
	OpForwardToOthers:         "forward_to_others",
	OpForwardToOthersSaved:    "forward_to_others_saved",
	OpForwardToHost:           "forward_to_host",
	OpForwardToPlayer:         "forward_to_player",
	OpForwardByName:           "forward_by_name",
	OpBroadcast:               "broadcast",
	OpBroadcastAdmin:          "broadcast_admin",
	OpResponseForward:         "response_forward",
	OpRequestRemoveSaved:      "request_remove_saved",
	OpRequestSetServerData:    "request_set_server_data",
	OpResponseSetServerData:   "response_set_server_data",
	OpRequestVerifyAdmin:      "request_verify_admin",
	OpResponseVerifyAdmin:     "response_verify_admin",
	OpRequestAddAdmin:         "request_add_admin",
	OpRequestRemoveAdmin:      "request_remove_admin",
	OpRequestSetBan:           "request_set_ban",
	OpRequestRemoveBan:        "request_remove_ban",
	OpRequestKick:             "request_kick",
	OpRequestSaveFile:         "request_save_file",
	OpResponseSaveFile:        "response_save_file",
	OpRequestLoadFile:         "request_load_file",
	OpResponseLoadFile:        "response_load_file",
	OpRequestDeleteFile:       "request_delete_file",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) && opcodeNames[o] != "" {
		return opcodeNames[o]
	}
	return fmt.Sprintf("opcode(%d)", byte(o))
}

// Valid reports whether o is a known opcode.
func (o Opcode) Valid() bool { return o < opcodeCount }

// Join selectors carried in OpRequestJoinChannel.
const (
	JoinNewChannel int32 = -1
	JoinAnyChannel int32 = -2
)

// Object kinds carried in OpRequestCreateObject.
const (
	KindEphemeral byte = 0
	KindDurable   byte = 1
)

// Channel descriptor flags carried in OpResponseChannelInfo.
const (
	FlagPersistent byte = 1 << iota
	FlagClosed
	FlagLocked
	FlagPassword
)

// Object id space.
const (
	MaxStaticID  uint32 = 32767
	MinDynamicID uint32 = 32768
	MaxDynamicID uint32 = 16777215
)

// PackAddress packs an object id and selector into one word.
func PackAddress(objID uint32, selector byte) uint32 {
	return objID<<8 | uint32(selector)
}

// UnpackAddress splits a word built by PackAddress.
func UnpackAddress(addr uint32) (objID uint32, selector byte) {
	return addr >> 8, byte(addr & 0xff)
}

// Begin starts a message with the given opcode.
func Begin(op Opcode) *codec.Writer {
	w := codec.NewWriter(64)
	w.Byte(byte(op))
	return w
}

// Split returns the opcode and a reader over the rest of the message.
func Split(data []byte) (Opcode, *codec.Reader, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty message")
	}
	return Opcode(data[0]), codec.NewReader(data[1:]), nil
}

// Call is the addressing header of every forwarded remote call.
type Call struct {
	Source     int32
	Channel    int32
	Object     uint32
	Selector   byte
	Name       string
	Target     int32  // OpForwardToPlayer
	TargetName string // OpForwardByName
	Payload    []byte
}

// EncodeCall writes a forward message for op.
func EncodeCall(op Opcode, c Call) []byte {
	w := Begin(op)
	WriteCall(w, op, c)
	return w.Bytes()
}

// WriteCall appends the call fields that follow the opcode.
func WriteCall(w *codec.Writer, op Opcode, c Call) {
	w.Int32(c.Source)
	w.Int32(c.Channel)
	w.Uint32(PackAddress(c.Object, c.Selector))
	if c.Selector == 0 {
		w.String(c.Name)
	}
	switch op {
	case OpForwardToPlayer:
		w.Int32(c.Target)
	case OpForwardByName:
		w.String(c.TargetName)
	}
	w.Blob(c.Payload)
}

// ReadCall decodes the fields written by WriteCall.
func ReadCall(r *codec.Reader, op Opcode) (Call, error) {
	var c Call
	c.Source = r.Int32()
	c.Channel = r.Int32()
	c.Object, c.Selector = UnpackAddress(r.Uint32())
	if c.Selector == 0 {
		c.Name = r.String()
	}
	switch op {
	case OpForwardToPlayer:
		c.Target = r.Int32()
	case OpForwardByName:
		c.TargetName = r.String()
	}
	c.Payload = r.Blob()
	return c, r.Err()
}

// Error codes carried in OpError.
const (
	ErrCodeBadRequest      = "bad_request"
	ErrCodeChannelFull     = "channel_full"
	ErrCodeChannelClosed   = "channel_closed"
	ErrCodeChannelLocked   = "channel_locked"
	ErrCodeWrongPassword   = "wrong_password"
	ErrCodeNotInChannel    = "not_in_channel"
	ErrCodeAliasesRequired = "aliases_required"
	ErrCodeSaveInProgress  = "save_in_progress"
	ErrCodeNotFound        = "not_found"
	ErrCodeStorage         = "storage_error"
)
