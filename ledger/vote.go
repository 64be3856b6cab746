package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Seednode/namebox/session"
	"github.com/Seednode/namebox/store"
)

// VoteRecord is one appended vote. Records are never mutated or deleted.
type VoteRecord struct {
	Candidate string    `json:"candidateName"`
	VoterID   string    `json:"voterId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// voteGuard marks that a voter has already voted for a candidate. Its
// existence is the sole duplicate-vote gate.
type voteGuard struct {
	Voted     bool      `json:"voted"`
	Timestamp time.Time `json:"timestamp"`
}

// Tally is the derived per-candidate vote count.
type Tally map[Candidate]int

func zeroTally() Tally {
	t := make(Tally, len(Candidates))
	for _, c := range Candidates {
		t[c] = 0
	}
	return t
}

// VoteSync keeps a live tally current and enforces the
// one-vote-per-identity-per-candidate rule.
type VoteSync struct {
	store      store.DocumentStore // nil means disabled
	deployment string
	session    *session.Manager
	notify     session.Notifier
	onTally    func(Tally)

	mu          sync.Mutex
	state       syncState
	tally       Tally
	unsubscribe func()
}

// NewVoteSync wires a synchronizer to its collaborators. onTally fires with
// a copy of the tally after every change, including resets.
func NewVoteSync(st store.DocumentStore, deployment string, sess *session.Manager, notify session.Notifier, onTally func(Tally)) *VoteSync {
	return &VoteSync{
		store:      st,
		deployment: deployment,
		session:    sess,
		notify:     notify,
		onTally:    onTally,
		tally:      zeroTally(),
	}
}

func (v *VoteSync) collection() string {
	return v.deployment + "/votes"
}

func (v *VoteSync) guardKey(voterID, candidate string) string {
	return fmt.Sprintf("%s/guards/%s/%s", v.deployment, voterID, candidate)
}

// Subscribe opens the live subscription on the vote ledger. Any previous
// subscription is torn down first. If the session is not ready or the store
// is disabled, the tally resets to zero and no subscription is held.
func (v *VoteSync) Subscribe() {
	v.Teardown()

	if v.store == nil || !v.session.Ready() {
		return
	}

	v.mu.Lock()
	v.state = stateSubscribing
	v.mu.Unlock()

	cancel, err := v.store.SubscribeToCollection(v.collection(), v.applySnapshot, v.onStoreError)
	if err != nil {
		v.mu.Lock()
		v.state = stateDetached
		v.mu.Unlock()
		v.onStoreError(err)
		return
	}

	v.mu.Lock()
	v.unsubscribe = cancel
	v.mu.Unlock()
}

// Teardown releases the subscription and resets the tally to its safe
// default. Always safe to call.
func (v *VoteSync) Teardown() {
	v.mu.Lock()
	cancel := v.unsubscribe
	v.unsubscribe = nil
	v.state = stateDetached
	v.tally = zeroTally()
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	v.push()
}

// Live reports whether at least one snapshot has been received.
func (v *VoteSync) Live() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state == stateLive
}

// Tally returns a copy of the current per-candidate counts.
func (v *VoteSync) Tally() Tally {
	v.mu.Lock()
	defer v.mu.Unlock()

	t := make(Tally, len(v.tally))
	for c, n := range v.tally {
		t[c] = n
	}
	return t
}

// applySnapshot recomputes the tally from scratch as a pure fold over the
// snapshot. Records for unknown candidates are skipped, not errors.
func (v *VoteSync) applySnapshot(snap store.Snapshot) {
	tally := zeroTally()

	for _, doc := range snap {
		var rec VoteRecord
		if err := json.Unmarshal(doc.Data, &rec); err != nil {
			continue
		}
		if !IsCandidate(rec.Candidate) {
			continue
		}
		tally[Candidate(rec.Candidate)]++
	}

	v.mu.Lock()
	if v.state == stateDetached {
		// A snapshot already in flight when the subscription was torn
		// down must not resurrect stale counts.
		v.mu.Unlock()
		return
	}
	v.state = stateLive
	v.tally = tally
	v.mu.Unlock()

	v.push()
}

func (v *VoteSync) onStoreError(err error) {
	v.send("The vote list could not be refreshed: "+err.Error(), session.SeverityError)
}

// CastVote appends one vote for candidate by the current identity. The vote
// guard check is best-effort, not transactional: a near-simultaneous pair of
// calls from the same identity can race, which is accepted for a
// family-sized user base.
func (v *VoteSync) CastVote(candidate string) error {
	if v.store == nil {
		v.send("Voting is unavailable right now.", session.SeverityError)
		return ErrStoreDisabled
	}
	if !v.session.Ready() {
		v.send("Still connecting; try again in a moment.", session.SeverityError)
		return ErrNotReady
	}

	id := v.session.Identity()
	if !id.Usable() {
		v.send("Your session could not be verified, so votes are disabled.", session.SeverityError)
		return ErrIdentityUnusable
	}
	if id.Role == "" || id.Role == session.RoleGuest {
		v.send("Pick who you are before voting.", session.SeverityError)
		return ErrRoleRequired
	}
	if !IsCandidate(candidate) {
		v.send("That name is not one of the candidates.", session.SeverityError)
		return ErrUnknownCandidate
	}

	_, exists, err := v.store.ReadDocument(v.guardKey(id.ID, candidate))
	if err != nil {
		v.send("Your vote could not be checked; try again.", session.SeverityError)
		return err
	}
	if exists {
		v.send("You already voted for "+candidate+".", session.SeverityInfo)
		return ErrAlreadyVoted
	}

	now := time.Now().UTC()
	rec := VoteRecord{
		Candidate: candidate,
		VoterID:   id.ID,
		Role:      string(id.Role),
		CreatedAt: now,
	}

	// Vote first, guard second; the guard check above is the actual gate.
	key := fmt.Sprintf("%s/%s:%s:%d", v.collection(), candidate, id.ID, now.UnixNano())
	if err := v.store.WriteDocument(key, rec); err != nil {
		v.send("Your vote did not go through; try again.", session.SeverityError)
		return err
	}

	guard := voteGuard{Voted: true, Timestamp: now}
	if err := v.store.WriteDocument(v.guardKey(id.ID, candidate), guard); err != nil {
		v.send("Your vote did not go through; try again.", session.SeverityError)
		return err
	}

	v.send("Your vote for "+candidate+" is in.", session.SeveritySuccess)

	return nil
}

func (v *VoteSync) push() {
	if v.onTally != nil {
		v.onTally(v.Tally())
	}
}

func (v *VoteSync) send(message string, severity session.Severity) {
	if v.notify != nil {
		v.notify(message, severity, session.DefaultNoticeDuration)
	}
}
