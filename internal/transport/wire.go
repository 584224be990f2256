// Package transport implements the HTTP/websocket/SSE surface described in
// §4.G: both protocols multiplex bridge-control frames (lobby/folder list/
// acks) and child-event frames (session state, deltas) onto one connection,
// and both support the attach-time replay bracket from §4.F.
package transport

import "encoding/json"

// bridgeFrame is a control message the broker originates itself: lobby
// greeting, folder listing, prompt acks, lifecycle notices, errors. On the
// websocket transport it is tagged source:"bridge" (§4.G).
type bridgeFrame struct {
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Folder string          `json:"folder,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// childFrame carries one sequenced frame out of a runtime's replay ring (a
// state snapshot, a delta, an ask-user notice). Tagged source:"cc" on the
// websocket transport, since it originates from the child's event stream.
type childFrame struct {
	Source string          `json:"source"`
	Type   string          `json:"type"`
	Folder string          `json:"folder"`
	Seq    uint64          `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func newBridgeFrame(msgType, folder string, data any) bridgeFrame {
	return bridgeFrame{Source: "bridge", Type: msgType, Folder: folder, Data: mustJSON(data)}
}

func newChildFrame(kind, folder string, seq uint64, data any) childFrame {
	return childFrame{Source: "cc", Type: kind, Folder: folder, Seq: seq, Data: mustJSON(data)}
}

// Bridge-control message type names (§4.G).
const (
	msgLobbyConnected = "lobbyConnected"
	msgFolderList     = "folderList"
	msgConnected      = "connected"
	msgPromptReceived = "promptReceived"
	msgPromptQueued   = "promptQueued"
	msgProcessExit    = "processExit"
	msgSessionClosed  = "sessionClosed"
	msgError          = "error"
	msgHistoryStart   = "historyStart"
	msgHistoryEnd     = "historyEnd"
	msgFolderCreated  = "folderCreated"
	msgFolderDeleted  = "folderDeleted"
)

// Client-originated websocket message type names (§4.G).
const (
	cmdListFolders   = "listFolders"
	cmdCreateFolder  = "createFolder"
	cmdConnectFolder = "connectFolder"
	cmdPrompt        = "prompt"
	cmdAbort         = "abort"
	cmdDeleteFolder  = "deleteFolder"
)

// SSE named event types (§4.G).
const (
	sseHello        = "hello"
	sseFolders      = "folders"
	sseState        = "state"
	sseDelta        = "delta"
	ssePing         = "ping"
	sseHistoryStart = "history-start"
	sseHistoryEnd   = "history-end"
)
