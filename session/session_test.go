package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeProvider scripts identity-backend behavior per test.
type fakeProvider struct {
	fn      func(*ProviderIdentity)
	current *ProviderIdentity

	anonCalls  int
	tokenCalls int
	lastToken  string

	failSignIn bool

	// yieldNothing makes sign-in "succeed" without producing an identity,
	// pushing nil again instead.
	yieldNothing bool

	// silent suppresses the immediate OnChange push, modeling a provider
	// that never reports any state.
	silent bool
}

func (p *fakeProvider) OnChange(fn func(*ProviderIdentity)) {
	p.fn = fn
	if !p.silent {
		fn(p.current)
	}
}

func (p *fakeProvider) SignInAnonymously() error {
	p.anonCalls++
	return p.finish("anon-1", true)
}

func (p *fakeProvider) SignInWithToken(token string) error {
	p.tokenCalls++
	p.lastToken = token
	return p.finish(token, false)
}

func (p *fakeProvider) finish(id string, anonymous bool) error {
	if p.failSignIn {
		return errors.New("backend unavailable")
	}
	if p.yieldNothing {
		p.fn(nil)
		return nil
	}

	p.current = &ProviderIdentity{ID: id, IsAnonymous: anonymous}
	p.fn(p.current)
	return nil
}

type fakeStorage struct {
	role  Role
	name  string
	ok    bool
	saves int
	err   error
}

func (s *fakeStorage) Load() (Role, string, bool) {
	return s.role, s.name, s.ok
}

func (s *fakeStorage) Save(role Role, name string) error {
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.role, s.name, s.ok = role, name, true
	return nil
}

type notice struct {
	message  string
	severity Severity
}

type noticeRecorder struct {
	notices []notice
}

func (r *noticeRecorder) notify(message string, severity Severity, _ time.Duration) {
	r.notices = append(r.notices, notice{message: message, severity: severity})
}

func (r *noticeRecorder) severities() []Severity {
	out := make([]Severity, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.severity)
	}
	return out
}

func TestDisabledStoreResolvesSyntheticGuest(t *testing.T) {
	m := NewManager(ManagerConfig{StoreEnabled: false})

	assert.True(t, m.Ready())

	id := m.Identity()
	assert.True(t, id.Usable())
	assert.True(t, id.IsAnonymous)
	assert.Equal(t, RoleGuest, id.Role)
}

func TestAnonymousSignInHappensExactlyOnce(t *testing.T) {
	p := &fakeProvider{}

	m := NewManager(ManagerConfig{
		Provider:     p,
		StoreEnabled: true,
	})

	assert.Equal(t, 1, p.anonCalls)
	assert.Zero(t, p.tokenCalls)
	assert.True(t, m.Ready())

	id := m.Identity()
	assert.True(t, id.Usable())
	assert.Equal(t, "anon-1", id.ID)
	assert.True(t, id.IsAnonymous)
	assert.Equal(t, RoleGuest, id.Role)
	assert.Equal(t, "Visitor", id.DisplayName)
}

func TestBootstrapTokenPreferredOverAnonymous(t *testing.T) {
	p := &fakeProvider{}

	m := NewManager(ManagerConfig{
		Provider:     p,
		Token:        "tok-42",
		StoreEnabled: true,
	})

	assert.Zero(t, p.anonCalls)
	assert.Equal(t, 1, p.tokenCalls)
	assert.Equal(t, "tok-42", p.lastToken)

	id := m.Identity()
	assert.Equal(t, "tok-42", id.ID)
	assert.False(t, id.IsAnonymous)
	assert.Equal(t, "Family member", id.DisplayName)
}

func TestRecoversSavedRoleAndName(t *testing.T) {
	p := &fakeProvider{}
	s := &fakeStorage{role: RoleMother, name: "Mother", ok: true}

	m := NewManager(ManagerConfig{
		Provider:     p,
		Storage:      s,
		Token:        "tok-42",
		StoreEnabled: true,
	})

	id := m.Identity()
	assert.Equal(t, RoleMother, id.Role)
	assert.Equal(t, "Mother", id.DisplayName)
}

func TestSignInFailureFallsBackToGuest(t *testing.T) {
	p := &fakeProvider{failSignIn: true}
	r := &noticeRecorder{}

	m := NewManager(ManagerConfig{
		Provider:     p,
		Notify:       r.notify,
		StoreEnabled: true,
	})

	assert.True(t, m.Ready())
	assert.False(t, m.Identity().Usable())
	require.NotEmpty(t, r.notices)
	assert.Contains(t, r.severities(), SeverityError)
}

func TestSecondEmptyPushFallsBackWithoutRetry(t *testing.T) {
	p := &fakeProvider{yieldNothing: true}

	m := NewManager(ManagerConfig{
		Provider:     p,
		StoreEnabled: true,
	})

	// Exactly one automatic attempt, then a degraded fallback.
	assert.Equal(t, 1, p.anonCalls)
	assert.True(t, m.Ready())
	assert.False(t, m.Identity().Usable())
}

func TestNotReadyWhileResolutionInFlight(t *testing.T) {
	p := &fakeProvider{silent: true}

	m := NewManager(ManagerConfig{
		Provider:     p,
		StoreEnabled: true,
	})

	assert.False(t, m.Ready())
	assert.False(t, m.Identity().Usable())
}

func TestLateEmptyPushIgnoredAfterResolution(t *testing.T) {
	p := &fakeProvider{}

	m := NewManager(ManagerConfig{
		Provider:     p,
		StoreEnabled: true,
	})
	require.True(t, m.Ready())

	p.fn(nil)

	assert.Equal(t, 1, p.anonCalls)
	assert.Equal(t, "anon-1", m.Identity().ID)
}

func TestSetRole(t *testing.T) {
	tests := []struct {
		name       string
		role       Role
		customName string
		wantErr    bool
		wantName   string
	}{
		{
			name:     "father",
			role:     RoleFather,
			wantName: "Father",
		},
		{
			name:     "mother",
			role:     RoleMother,
			wantName: "Mother",
		},
		{
			name:       "custom with name",
			role:       RoleCustom,
			customName: "Grandma",
			wantName:   "Grandma",
		},
		{
			name:       "custom name gets trimmed",
			role:       RoleCustom,
			customName: "  Grandma  ",
			wantName:   "Grandma",
		},
		{
			name:    "custom without name",
			role:    RoleCustom,
			wantErr: true,
		},
		{
			name:    "unknown role",
			role:    Role("astronaut"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			s := &fakeStorage{}
			r := &noticeRecorder{}

			m := NewManager(ManagerConfig{
				Provider:     p,
				Storage:      s,
				Notify:       r.notify,
				Token:        "tok-42",
				StoreEnabled: true,
			})

			err := m.SetRole(tt.role, tt.customName)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrRoleInvalid)
				assert.Zero(t, s.saves)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.role, m.Identity().Role)
			assert.Equal(t, tt.wantName, m.Identity().DisplayName)
			assert.Equal(t, 1, s.saves)
			assert.Contains(t, r.severities(), SeveritySuccess)
		})
	}
}

func TestSetRoleSurvivesStorageFailure(t *testing.T) {
	p := &fakeProvider{}
	s := &fakeStorage{err: errors.New("disk full")}
	r := &noticeRecorder{}

	m := NewManager(ManagerConfig{
		Provider:     p,
		Storage:      s,
		Notify:       r.notify,
		StoreEnabled: true,
	})

	require.NoError(t, m.SetRole(RoleFather, ""))

	// The role still applies for this session even if persisting failed.
	assert.Equal(t, RoleFather, m.Identity().Role)
	assert.Contains(t, r.severities(), SeverityError)
}

func TestLocalProviderTokenRoundTrip(t *testing.T) {
	p := NewLocalProvider()

	var got *ProviderIdentity
	p.OnChange(func(pid *ProviderIdentity) { got = pid })
	assert.Nil(t, got)

	require.NoError(t, p.SignInWithToken("tok-42"))
	require.NotNil(t, got)
	assert.Equal(t, "tok-42", got.ID)
	assert.False(t, got.IsAnonymous)
}

func TestLocalProviderAnonymousIDsUnique(t *testing.T) {
	a := NewLocalProvider()
	b := NewLocalProvider()

	var idA, idB string
	a.OnChange(func(pid *ProviderIdentity) {
		if pid != nil {
			idA = pid.ID
		}
	})
	b.OnChange(func(pid *ProviderIdentity) {
		if pid != nil {
			idB = pid.ID
		}
	})

	require.NoError(t, a.SignInAnonymously())
	require.NoError(t, b.SignInAnonymously())

	assert.NotEmpty(t, idA)
	assert.NotEmpty(t, idB)
	assert.NotEqual(t, idA, idB)
}
