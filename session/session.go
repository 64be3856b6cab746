// Package session resolves one stable identity per connected browser
// session and gates all store writes behind a readiness signal. Identity
// resolution makes at most one automatic sign-in attempt; if that fails the
// session degrades to a fallback guest rather than retrying forever.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// Role is the display role a family member picks before voting.
type Role string

const (
	RoleFather Role = "father"
	RoleMother Role = "mother"
	RoleGuest  Role = "guest"
	RoleCustom Role = "custom"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleFather, RoleMother, RoleGuest, RoleCustom:
		return true
	}
	return false
}

// displayNameFor returns the default display name for a chosen role.
func displayNameFor(r Role) string {
	switch r {
	case RoleFather:
		return "Father"
	case RoleMother:
		return "Mother"
	default:
		return "Visitor"
	}
}

// Severity classifies a transient user-facing message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

// Notifier is the presentation-layer side channel for transient feedback.
// Implementations must be safe for concurrent use.
type Notifier func(message string, severity Severity, duration time.Duration)

// DefaultNoticeDuration is how long transient notices stay visible.
const DefaultNoticeDuration = 4 * time.Second

// origin records how an identity came to be, which decides whether it may
// write to the store.
type origin int

const (
	originNone     origin = iota // pre-resolution placeholder
	originProvider               // resolved by the identity provider
	originGuest                  // synthetic guest (store disabled)
	originFallback               // degraded fallback after sign-in failure
)

// Identity is the resolved identity for one browser session.
type Identity struct {
	ID          string
	IsAnonymous bool
	DisplayName string
	Role        Role

	origin origin
}

// Usable reports whether this identity may be attached to store writes.
// The pre-resolution placeholder and the degraded fallback are not usable.
func (id Identity) Usable() bool {
	return id.ID != "" && (id.origin == originProvider || id.origin == originGuest)
}

// signInState tracks the one-shot automatic sign-in attempt.
type signInState int

const (
	signInNotStarted signInState = iota
	signInAttempting
	signInResolved
	signInFallback
)

// Storage persists the chosen (role, display name) pair between sessions.
type Storage interface {
	Load() (role Role, name string, ok bool)
	Save(role Role, name string) error
}

// ErrRoleInvalid is returned by SetRole for unknown roles or a custom role
// without a name.
var ErrRoleInvalid = errors.New("invalid role")

// ManagerConfig carries the collaborators a Manager needs. Provider and
// Storage may be nil when the store backend is disabled.
type ManagerConfig struct {
	Provider Provider
	Storage  Storage
	Notify   Notifier

	// Token is the bootstrap token recovered from the browser, if any.
	// When present the automatic sign-in attempt is token-based instead
	// of anonymous.
	Token string

	// StoreEnabled is false when the whole backend is running degraded.
	StoreEnabled bool

	// OnChange fires after the identity or readiness changes, so the
	// presentation layer can re-render.
	OnChange func()
}

// Manager resolves exactly one Identity for the session lifetime.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	state    signInState
	identity Identity
	ready    bool
}

// NewManager builds a Manager and starts identity resolution immediately.
// With the store disabled it resolves a synthetic guest and is ready at
// once; otherwise readiness arrives via the provider callback.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{cfg: cfg}

	if !cfg.StoreEnabled || cfg.Provider == nil {
		m.mu.Lock()
		m.identity = Identity{
			ID:          "guest",
			IsAnonymous: true,
			DisplayName: "Visitor",
			Role:        RoleGuest,
			origin:      originGuest,
		}
		m.state = signInResolved
		m.ready = true
		m.mu.Unlock()

		m.changed()

		return m
	}

	cfg.Provider.OnChange(m.handleIdentityChange)

	return m
}

// Ready reports whether write gating may pass. It never becomes true while
// identity resolution is still in flight.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ready
}

// Identity returns a copy of the active identity.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.identity
}

// SetRole updates the active identity's role and display name, persists the
// pair, and notifies the user. Custom roles require a non-empty name.
func (m *Manager) SetRole(role Role, customName string) error {
	customName = strings.TrimSpace(customName)

	if !ValidRole(role) {
		m.notify("That role is not recognized.", SeverityError)
		return ErrRoleInvalid
	}
	if role == RoleCustom && customName == "" {
		m.notify("A custom role needs a name.", SeverityError)
		return ErrRoleInvalid
	}

	name := displayNameFor(role)
	if role == RoleCustom {
		name = customName
	}

	m.mu.Lock()
	m.identity.Role = role
	m.identity.DisplayName = name
	m.mu.Unlock()

	if m.cfg.Storage != nil {
		if err := m.cfg.Storage.Save(role, name); err != nil {
			m.notify("Your role could not be saved for next time.", SeverityError)
		}
	}

	m.notify("You are now voting as "+name+".", SeveritySuccess)
	m.changed()

	return nil
}

// handleIdentityChange reacts to identity-provider state pushes. Sign-in
// calls happen outside the lock because the provider may fire the callback
// again from within them.
func (m *Manager) handleIdentityChange(pid *ProviderIdentity) {
	if pid != nil {
		m.adopt(*pid)
		return
	}

	m.mu.Lock()
	state := m.state
	if state == signInNotStarted {
		m.state = signInAttempting
	}
	m.mu.Unlock()

	switch state {
	case signInNotStarted:
		var err error
		if m.cfg.Token != "" {
			err = m.cfg.Provider.SignInWithToken(m.cfg.Token)
		} else {
			err = m.cfg.Provider.SignInAnonymously()
		}
		if err != nil {
			m.fallBack()
		}

	case signInAttempting:
		// The one automatic attempt already happened and the provider
		// still has nothing for us.
		m.fallBack()

	default:
		// Resolved or fallback sessions ignore late nil pushes.
	}
}

// adopt installs a concrete provider identity and recovers any previously
// chosen role and display name.
func (m *Manager) adopt(pid ProviderIdentity) {
	role := RoleGuest
	name := "Visitor"
	if !pid.IsAnonymous {
		name = "Family member"
	}

	if m.cfg.Storage != nil {
		if r, n, ok := m.cfg.Storage.Load(); ok {
			role, name = r, n
		}
	}

	m.mu.Lock()
	m.identity = Identity{
		ID:          pid.ID,
		IsAnonymous: pid.IsAnonymous,
		DisplayName: name,
		Role:        role,
		origin:      originProvider,
	}
	m.state = signInResolved
	m.ready = true
	m.mu.Unlock()

	m.changed()
}

// fallBack resolves a degraded guest identity after a failed sign-in.
// readiness still becomes true so the page renders, but the identity is
// not usable for writes.
func (m *Manager) fallBack() {
	m.mu.Lock()
	if m.state == signInResolved || m.state == signInFallback {
		m.mu.Unlock()
		return
	}
	m.identity = Identity{
		ID:          "guest",
		IsAnonymous: true,
		DisplayName: "Visitor",
		Role:        RoleGuest,
		origin:      originFallback,
	}
	m.state = signInFallback
	m.ready = true
	m.mu.Unlock()

	m.notify("Sign-in failed; you can browse but not vote.", SeverityError)
	m.changed()
}

func (m *Manager) notify(message string, severity Severity) {
	if m.cfg.Notify != nil {
		m.cfg.Notify(message, severity, DefaultNoticeDuration)
	}
}

func (m *Manager) changed() {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange()
	}
}
