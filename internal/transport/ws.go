package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/spm1001/gueridon/internal/runtime"
	"github.com/spm1001/gueridon/internal/scanner"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the envelope for every inbound websocket message (§4.G):
// listFolders, createFolder, connectFolder, prompt, abort, deleteFolder.
type clientMessage struct {
	Type        string            `json:"type"`
	Folder      string            `json:"folder,omitempty"`
	Text        string            `json:"text,omitempty"`
	Content     []json.RawMessage `json:"content,omitempty"`
	LastEventID uint64            `json:"lastEventId,omitempty"`
}

// wsClient is one multiplexed connection: it starts unbound ("lobby") and
// binds to at most one folder at a time via connectFolder (§4.G).
type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	mu     sync.Mutex
	folder string
	rt     *runtime.Runtime
	unsub  func()
}

func (c *wsClient) writeFrame(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[transport ws] dropping frame for slow client")
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[transport ws] upgrade: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	go c.writePump()
	defer s.unbind(c)

	c.writeFrame(newBridgeFrame(msgLobbyConnected, "", nil))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.writeFrame(newBridgeFrame(msgError, "", map[string]string{"message": "malformed message"}))
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) unbind(c *wsClient) {
	c.mu.Lock()
	if c.unsub != nil {
		c.unsub()
	}
	if c.rt != nil {
		c.rt.Detach()
	}
	c.mu.Unlock()
	close(c.send)
}

func (s *Server) dispatch(c *wsClient, msg clientMessage) {
	switch msg.Type {
	case cmdListFolders:
		s.wsListFolders(c)
	case cmdCreateFolder:
		s.wsCreateFolder(c, msg)
	case cmdConnectFolder:
		s.wsConnectFolder(c, msg)
	case cmdPrompt:
		s.wsPrompt(c, msg)
	case cmdAbort:
		s.wsAbort(c, msg)
	case cmdDeleteFolder:
		s.wsDeleteFolder(c, msg)
	default:
		c.writeFrame(newBridgeFrame(msgError, "", map[string]string{"message": "unknown message type: " + msg.Type}))
	}
}

func (s *Server) wsListFolders(c *wsClient) {
	descriptors, err := s.scan.Scan(s.liveEntries())
	if err != nil {
		c.writeFrame(newBridgeFrame(msgError, "", map[string]string{"message": err.Error()}))
		return
	}
	c.writeFrame(newBridgeFrame(msgFolderList, "", map[string]any{"folders": descriptors}))
}

func (s *Server) wsCreateFolder(c *wsClient, msg clientMessage) {
	name := msg.Folder
	if name == "" || !scanner.ValidName(name) {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": "invalid folder name"}))
		return
	}
	path, err := s.scan.ResolveFolder(name)
	if err != nil {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": err.Error()}))
		return
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": err.Error()}))
		return
	}
	c.writeFrame(newBridgeFrame(msgFolderCreated, name, map[string]string{"folder": name}))
}

func (s *Server) wsDeleteFolder(c *wsClient, msg clientMessage) {
	name := msg.Folder
	path, err := s.scan.ResolveFolder(name)
	if err != nil {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": err.Error()}))
		return
	}
	if _, ok := s.reg.Get(name); ok {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": "folder has an active session; exit it first"}))
		return
	}
	if err := os.RemoveAll(path); err != nil {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": err.Error()}))
		return
	}
	c.writeFrame(newBridgeFrame(msgFolderDeleted, name, map[string]string{"folder": name}))
}

func (s *Server) wsConnectFolder(c *wsClient, msg clientMessage) {
	name := msg.Folder
	if _, err := s.scan.ResolveFolder(name); err != nil {
		c.writeFrame(newBridgeFrame(msgError, name, map[string]string{"message": err.Error()}))
		return
	}

	c.mu.Lock()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	if c.rt != nil {
		c.rt.Detach()
	}
	c.mu.Unlock()

	rt, _ := s.reg.GetOrCreate(name)
	rt.Attach()
	sub, unsub := s.hub.subscribe(name)

	c.mu.Lock()
	c.folder = name
	c.rt = rt
	c.unsub = unsub
	c.mu.Unlock()

	snap := rt.Snapshot()
	sessionID := ""
	if snap != nil {
		sessionID = snap.SessionID
	}
	c.writeFrame(newBridgeFrame(msgConnected, name, map[string]any{"folder": name, "sessionId": sessionID}))
	c.writeFrame(newChildFrame(sseState, name, 0, snap))

	replayed := rt.Replay(msg.LastEventID)
	if replayed.Replays {
		c.writeFrame(newBridgeFrame(msgHistoryStart, name, nil))
		for _, frame := range replayed.Replay {
			c.writeFrame(newChildFrame(frame.Kind, name, frame.Seq, frame.Payload))
		}
		c.writeFrame(newBridgeFrame(msgHistoryEnd, name, nil))
	}

	// Only start relaying live frames once the snapshot and replay bracket
	// are written, so a frame published concurrently with attach can never
	// overtake the state snapshot in c.send (spec.md:161).
	go s.pumpFolderFrames(c, name, rt, sub)
}

// pumpFolderFrames relays live frames from the hub subscription to the
// client until either the subscription is torn down (folder switch,
// disconnect) or the runtime closes (session exit).
func (s *Server) pumpFolderFrames(c *wsClient, folder string, rt *runtime.Runtime, sub *subscription) {
	for {
		select {
		case frame, ok := <-sub.ch:
			if !ok {
				return
			}
			c.writeFrame(newChildFrame(frame.Kind, folder, frame.Seq, frame.Payload))
		case <-rt.Done():
			return
		}
	}
}

func (s *Server) boundRuntime(c *wsClient, folder string) (*runtime.Runtime, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := folder
	if name == "" {
		name = c.folder
	}
	if name == "" {
		return nil, "", false
	}
	if name == c.folder {
		return c.rt, name, true
	}
	rt, ok := s.reg.Get(name)
	return rt, name, ok
}

func (s *Server) wsPrompt(c *wsClient, msg clientMessage) {
	rt, folder, ok := s.boundRuntime(c, msg.Folder)
	if !ok {
		c.writeFrame(newBridgeFrame(msgError, folder, map[string]string{"message": "no folder bound: client is in the lobby"}))
		return
	}
	ack, err := rt.SubmitPrompt(runtime.PromptRequest{Text: msg.Text, Content: msg.Content})
	if err != nil {
		c.writeFrame(newBridgeFrame(msgError, folder, map[string]string{"message": err.Error()}))
		return
	}
	if ack.Queued {
		c.writeFrame(newBridgeFrame(msgPromptQueued, folder, map[string]any{"queued": true, "position": ack.Position}))
		return
	}
	c.writeFrame(newBridgeFrame(msgPromptReceived, folder, map[string]any{"queued": false}))
}

func (s *Server) wsAbort(c *wsClient, msg clientMessage) {
	rt, folder, ok := s.boundRuntime(c, msg.Folder)
	if !ok {
		c.writeFrame(newBridgeFrame(msgError, folder, map[string]string{"message": "no folder bound: client is in the lobby"}))
		return
	}
	if err := rt.Abort(); err != nil {
		c.writeFrame(newBridgeFrame(msgError, folder, map[string]string{"message": err.Error()}))
		return
	}
	// Abort is non-cancellable and only delivers the signal here; the
	// child's actual death surfaces later as an ordinary turn-result
	// frame through the subscription, the same way it would for any
	// other turn-ending reason.
}
