// Namebox realtime hub
//
// Every connected browser gets its own session: a stable identity resolved
// from a cookie, a chosen display role, and a live view of the shared vote
// tally and comment feed. The hub owns one WebSocket client per connection
// and wires each to its own session manager and ledger synchronizers:
//
//   - session_info is pushed on connect and after every role change
//   - tally and comments are pushed whenever the store delivers a snapshot
//   - notice carries all transient feedback (success/info/error)
//   - banner marks the persistent degraded mode when the store is down
//
// Client commands: set_role, vote, comment. Votes and comments are appended
// to the shared ledgers; the pushed snapshots close the loop back to every
// connected family member.

package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/namebox/ledger"
	"github.com/Seednode/namebox/session"
	"github.com/Seednode/namebox/store"
)

// ClientMessage is anything a browser sends us.
type ClientMessage struct {
	Type      string `json:"type"`                // "set_role", "vote", "comment"
	Role      string `json:"role,omitempty"`      // set_role
	Name      string `json:"name,omitempty"`      // set_role (custom role)
	Candidate string `json:"candidate,omitempty"` // vote
	Text      string `json:"text,omitempty"`      // comment
}

// SessionInfoMessage describes the client's own resolved session.
type SessionInfoMessage struct {
	Type         string `json:"type"` // "session_info"
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	IsAnonymous  bool   `json:"is_anonymous"`
	Ready        bool   `json:"ready"`
	StoreEnabled bool   `json:"store_enabled"`
}

// TallyMessage carries the current per-candidate vote counts.
type TallyMessage struct {
	Type  string         `json:"type"` // "tally"
	Tally map[string]int `json:"tally"`
}

// CommentsMessage carries the full ordered comment feed.
type CommentsMessage struct {
	Type     string                 `json:"type"` // "comments"
	Comments []ledger.CommentRecord `json:"comments"`
}

// NoticeMessage is a transient user-facing notification.
type NoticeMessage struct {
	Type       string `json:"type"` // "notice"
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	DurationMS int64  `json:"duration_ms"`
}

// BannerMessage is a persistent degraded-functionality banner.
type BannerMessage struct {
	Type    string `json:"type"` // "banner"
	Message string `json:"message"`
}

type Client struct {
	conn      *websocket.Conn
	sessionID string

	sess     *session.Manager
	votes    *ledger.VoteSync
	comments *ledger.CommentSync

	send   chan any
	mu     sync.RWMutex
	closed bool
}

// trySend queues a message for the client without ever blocking a snapshot
// or notifier callback. Messages to a full or closed client are dropped;
// every push carries full state, so the next one catches the client up.
func (c *Client) trySend(msg any) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
}

type command struct {
	client *Client
	msg    ClientMessage
}

type Hub struct {
	cfg   *Config
	store store.DocumentStore // nil when running degraded

	clients map[*Client]bool

	register chan *Client
	unreg    chan *Client
	commands chan command
	quit     chan struct{}

	once sync.Once
}

func newHub(cfg *Config, docs store.DocumentStore) *Hub {
	return &Hub{
		cfg:      cfg,
		store:    docs,
		clients:  make(map[*Client]bool),
		register: make(chan *Client),
		unreg:    make(chan *Client),
		commands: make(chan command),
		quit:     make(chan struct{}),
	}
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.handleRegister(c)

		case c := <-h.unreg:
			h.handleUnregister(c)

		case cmd := <-h.commands:
			h.handleCommand(cmd)

		case <-h.quit:
			for c := range h.clients {
				h.detach(c)
			}
			return
		}
	}
}

// handleRegister builds the per-session core for a new connection: identity
// provider, session manager, and one synchronizer per ledger, all reporting
// back through this client's send channel.
func (h *Hub) handleRegister(c *Client) {
	notify := func(message string, severity session.Severity, duration time.Duration) {
		c.trySend(NoticeMessage{
			Type:       "notice",
			Severity:   string(severity),
			Message:    message,
			DurationMS: duration.Milliseconds(),
		})
	}

	var storage session.Storage
	var provider session.Provider
	if h.store != nil {
		storage = &profileStorage{
			store: h.store,
			key:   h.cfg.deployment + "/profiles/" + c.sessionID,
		}
		provider = session.NewLocalProvider()
	}

	c.sess = session.NewManager(session.ManagerConfig{
		Provider:     provider,
		Storage:      storage,
		Notify:       notify,
		Token:        c.sessionID,
		StoreEnabled: h.store != nil,
		OnChange: func() {
			// sess is still nil while NewManager resolves; the explicit
			// session_info push below covers that first change.
			if c.sess != nil {
				c.trySend(sessionInfo(h, c))
			}
		},
	})

	c.votes = ledger.NewVoteSync(h.store, h.cfg.deployment, c.sess, notify, func(t ledger.Tally) {
		c.trySend(tallyMessage(t))
	})
	c.comments = ledger.NewCommentSync(h.store, h.cfg.deployment, c.sess, notify, func(feed []ledger.CommentRecord) {
		c.trySend(CommentsMessage{Type: "comments", Comments: feed})
	})

	h.clients[c] = true

	c.trySend(sessionInfo(h, c))

	if h.store == nil {
		c.trySend(BannerMessage{
			Type:    "banner",
			Message: "Running without a store: votes and comments are disabled.",
		})
		// Safe defaults so the page still renders something.
		c.trySend(tallyMessage(ledger.Tally{}))
		c.trySend(CommentsMessage{Type: "comments", Comments: []ledger.CommentRecord{}})
	}

	c.votes.Subscribe()
	c.comments.Subscribe()

	logf(h.cfg, "WS: Session %.8s connected", c.sessionID)
}

func (h *Hub) handleUnregister(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}

	delete(h.clients, c)
	h.detach(c)

	logf(h.cfg, "WS: Session %.8s disconnected", c.sessionID)
}

// detach releases the client's subscriptions before closing its channel, so
// the teardown pushes still find an open (if soon abandoned) channel.
func (h *Hub) detach(c *Client) {
	if c.votes != nil {
		c.votes.Teardown()
	}
	if c.comments != nil {
		c.comments.Teardown()
	}
	c.close()
}

func (h *Hub) handleCommand(cmd command) {
	c := cmd.client
	if !h.clients[c] {
		return
	}

	switch cmd.msg.Type {
	case "set_role":
		if err := c.sess.SetRole(session.Role(cmd.msg.Role), cmd.msg.Name); err == nil {
			logf(h.cfg, "ROLES: Session %.8s is now %q", c.sessionID, cmd.msg.Role)
		}

	case "vote":
		if err := c.votes.CastVote(cmd.msg.Candidate); err == nil {
			logf(h.cfg, "VOTES: Session %.8s voted for %q", c.sessionID, cmd.msg.Candidate)
		}

	case "comment":
		if err := c.comments.AddComment(cmd.msg.Text); err == nil {
			logf(h.cfg, "WALL: Session %.8s commented", c.sessionID)
		}
	}
}

// closeAll disconnects every client and stops the hub goroutine.
func (h *Hub) closeAll() {
	h.once.Do(func() {
		close(h.quit)
	})
}

func sessionInfo(h *Hub, c *Client) SessionInfoMessage {
	id := c.sess.Identity()

	return SessionInfoMessage{
		Type:         "session_info",
		ID:           id.ID,
		DisplayName:  id.DisplayName,
		Role:         string(id.Role),
		IsAnonymous:  id.IsAnonymous,
		Ready:        c.sess.Ready(),
		StoreEnabled: h.store != nil,
	}
}

func tallyMessage(t ledger.Tally) TallyMessage {
	tally := make(map[string]int, len(ledger.Candidates))
	for _, c := range ledger.Candidates {
		tally[string(c)] = t[c]
	}

	return TallyMessage{Type: "tally", Tally: tally}
}

// profileStorage persists the chosen (role, display name) pair per browser
// session in the document store, replacing the browser-local storage a
// hosted page would use.
type profileStorage struct {
	store store.DocumentStore
	key   string
}

type profileDoc struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

func (p *profileStorage) Load() (session.Role, string, bool) {
	raw, exists, err := p.store.ReadDocument(p.key)
	if err != nil || !exists {
		return "", "", false
	}

	var doc profileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", "", false
	}
	if !session.ValidRole(session.Role(doc.Role)) || doc.Name == "" {
		return "", "", false
	}

	return session.Role(doc.Role), doc.Name, true
}

func (p *profileStorage) Save(role session.Role, name string) error {
	return p.store.WriteDocument(p.key, profileDoc{
		Role: string(role),
		Name: name,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const sessionCookieName = "namebox_id"

// getOrSetSessionID recovers the stable per-browser session id from its
// cookie, minting and setting one on first contact.
func getOrSetSessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func serveWS(cfg *Config, h *Hub) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := getOrSetSessionID(w, r)
		if sessionID == "" {
			http.Error(w, "unable to assign session id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn:      conn,
			sessionID: sessionID,
			send:      make(chan any, 16),
		}

		select {
		case h.register <- client:
		case <-h.quit:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(h)
	}
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.quit:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "set_role", "vote", "comment":
			select {
			case h.commands <- command{client: c, msg: msg}:
			case <-h.quit:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
