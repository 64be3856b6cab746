package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
)

// ProviderIdentity is the minimal identity the provider yields.
type ProviderIdentity struct {
	ID          string
	IsAnonymous bool
}

// Provider is the identity backend boundary. OnChange registers a push
// callback that fires immediately with the current state (possibly nil)
// and again after every change.
type Provider interface {
	OnChange(fn func(*ProviderIdentity))
	SignInAnonymously() error
	SignInWithToken(token string) error
}

// LocalProvider issues identities without any external backend: anonymous
// identities get a fresh random id, token identities reuse the bootstrap
// token so returning visitors keep their id across sessions.
type LocalProvider struct {
	mu      sync.Mutex
	fn      func(*ProviderIdentity)
	current *ProviderIdentity
}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (p *LocalProvider) OnChange(fn func(*ProviderIdentity)) {
	p.mu.Lock()
	p.fn = fn
	current := p.current
	p.mu.Unlock()

	fn(current)
}

func (p *LocalProvider) SignInAnonymously() error {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return err
	}

	p.set(&ProviderIdentity{
		ID:          hex.EncodeToString(buf),
		IsAnonymous: true,
	})

	return nil
}

func (p *LocalProvider) SignInWithToken(token string) error {
	if token == "" {
		return errors.New("empty token")
	}

	p.set(&ProviderIdentity{
		ID:          token,
		IsAnonymous: false,
	})

	return nil
}

func (p *LocalProvider) set(pid *ProviderIdentity) {
	p.mu.Lock()
	p.current = pid
	fn := p.fn
	p.mu.Unlock()

	if fn != nil {
		fn(pid)
	}
}
