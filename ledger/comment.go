package ledger

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Seednode/namebox/session"
	"github.com/Seednode/namebox/store"
)

// CommentRecord is one appended comment. Immutable once created.
type CommentRecord struct {
	ID         string    `json:"id,omitempty"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CommentSync keeps a live, time-ordered comment feed current and accepts
// new submissions.
type CommentSync struct {
	store      store.DocumentStore // nil means disabled
	deployment string
	session    *session.Manager
	notify     session.Notifier
	onFeed     func([]CommentRecord)

	mu          sync.Mutex
	state       syncState
	feed        []CommentRecord
	unsubscribe func()
}

// NewCommentSync wires a synchronizer to its collaborators. onFeed fires
// with a copy of the ordered feed after every change, including resets.
func NewCommentSync(st store.DocumentStore, deployment string, sess *session.Manager, notify session.Notifier, onFeed func([]CommentRecord)) *CommentSync {
	return &CommentSync{
		store:      st,
		deployment: deployment,
		session:    sess,
		notify:     notify,
		onFeed:     onFeed,
	}
}

func (c *CommentSync) collection() string {
	return c.deployment + "/comments"
}

// Subscribe opens the live subscription on the comment ledger, tearing down
// any previous one first. Same safe-default behavior as the vote ledger:
// not ready or store disabled means an empty feed and no subscription.
func (c *CommentSync) Subscribe() {
	c.Teardown()

	if c.store == nil || !c.session.Ready() {
		return
	}

	c.mu.Lock()
	c.state = stateSubscribing
	c.mu.Unlock()

	cancel, err := c.store.SubscribeToCollection(c.collection(), c.applySnapshot, c.onStoreError)
	if err != nil {
		c.mu.Lock()
		c.state = stateDetached
		c.mu.Unlock()
		c.onStoreError(err)
		return
	}

	c.mu.Lock()
	c.unsubscribe = cancel
	c.mu.Unlock()
}

// Teardown releases the subscription and empties the feed.
func (c *CommentSync) Teardown() {
	c.mu.Lock()
	cancel := c.unsubscribe
	c.unsubscribe = nil
	c.state = stateDetached
	c.feed = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.push()
}

// Feed returns a copy of the current ordered feed.
func (c *CommentSync) Feed() []CommentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	feed := make([]CommentRecord, len(c.feed))
	copy(feed, c.feed)
	return feed
}

// applySnapshot reconstructs the full feed, sorted by creation time
// ascending. Documents without a resolvable timestamp keep the zero time
// and therefore sort earliest.
func (c *CommentSync) applySnapshot(snap store.Snapshot) {
	feed := make([]CommentRecord, 0, len(snap))

	for _, doc := range snap {
		var rec CommentRecord
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			continue
		}
		rec.ID = doc.ID
		feed = append(feed, rec)
	}

	sort.SliceStable(feed, func(i, j int) bool {
		return feed[i].CreatedAt.Before(feed[j].CreatedAt)
	})

	c.mu.Lock()
	if c.state == stateDetached {
		c.mu.Unlock()
		return
	}
	c.state = stateLive
	c.feed = feed
	c.mu.Unlock()

	c.push()
}

func (c *CommentSync) onStoreError(err error) {
	c.send("Comments could not be refreshed: "+err.Error(), session.SeverityError)
}

// AddComment appends a comment by the current identity. On failure the
// caller keeps the draft text so the user can retry.
func (c *CommentSync) AddComment(text string) error {
	if c.store == nil {
		c.send("Comments are unavailable right now.", session.SeverityError)
		return ErrStoreDisabled
	}

	text = strings.TrimSpace(text)
	if text == "" {
		c.send("Write something first.", session.SeverityInfo)
		return ErrEmptyComment
	}

	if !c.session.Ready() {
		c.send("Still connecting; try again in a moment.", session.SeverityError)
		return ErrNotReady
	}

	id := c.session.Identity()
	if !id.Usable() {
		c.send("Your session could not be verified, so comments are disabled.", session.SeverityError)
		return ErrIdentityUnusable
	}
	if id.Role == "" || id.Role == session.RoleGuest {
		c.send("Pick who you are before commenting.", session.SeverityError)
		return ErrRoleRequired
	}

	rec := CommentRecord{
		AuthorID:   id.ID,
		AuthorName: id.DisplayName,
		Role:       string(id.Role),
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}

	if _, err := c.store.AppendDocument(c.collection(), rec); err != nil {
		c.send("Your comment did not go through; your draft is kept.", session.SeverityError)
		return err
	}

	c.send("Comment added.", session.SeveritySuccess)

	return nil
}

func (c *CommentSync) push() {
	if c.onFeed != nil {
		c.onFeed(c.Feed())
	}
}

func (c *CommentSync) send(message string, severity session.Severity) {
	if c.notify != nil {
		c.notify(message, severity, session.DefaultNoticeDuration)
	}
}
