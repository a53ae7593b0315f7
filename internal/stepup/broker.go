package stepup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// ErrUnknownChallenge is returned when a response names a challenge that is not pending for the user.
var ErrUnknownChallenge = errors.New("unknown or expired challenge")

// CredentialStore keeps the passkeys users enrolled.
type CredentialStore interface {
	Credentials(ctx context.Context, userID string) ([]webauthn.Credential, error)
	PutCredential(ctx context.Context, userID string, cred webauthn.Credential) error
}

// UserDirectory resolves account holders. ledger.Store implements it.
type UserDirectory interface {
	User(ctx context.Context, userID string) (models.User, error)
}

// PendingChallenge is what the browser needs to run navigator.credentials.get for a challenge.
type PendingChallenge struct {
	Challenge
	Options *protocol.CredentialAssertion `json:"options"`
}

// Notifier delivers challenges to the user's browser.
type Notifier interface {
	ChallengeOpened(ctx context.Context, p PendingChallenge) error
	ChallengeClosed(userID, challengeID string, state State)
}

// BrokerConfig names the relying party.
type BrokerConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// Broker is the browser Authenticator: it publishes a WebAuthn assertion request for each challenge and waits for
// the browser to post the signed assertion (or a decline) back. It also runs passkey enrollment.
type Broker struct {
	wa       *webauthn.WebAuthn
	users    UserDirectory
	creds    CredentialStore
	notifier Notifier

	mu            sync.Mutex
	pending       map[string]*pendingChallenge
	registrations map[string]webauthn.SessionData

	logger *slog.Logger
}

type pendingChallenge struct {
	challenge Challenge
	user      webauthnUser
	session   webauthn.SessionData

	once sync.Once
	done chan bool
}

func (p *pendingChallenge) resolve(verified bool) {
	p.once.Do(func() {
		p.done <- verified
		close(p.done)
	})
}

type webauthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u webauthnUser) WebAuthnID() []byte { return []byte(u.user.ID) }

func (u webauthnUser) WebAuthnName() string {
	if u.user.Email != "" {
		return u.user.Email
	}
	return u.user.ID
}

func (u webauthnUser) WebAuthnDisplayName() string { return u.user.DisplayName }

func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (u webauthnUser) WebAuthnIcon() string { return "" }

// NewBroker creates a Broker for the relying party in cfg.
func NewBroker(cfg BrokerConfig, users UserDirectory, creds CredentialStore, notifier Notifier, logger *slog.Logger,
) (*Broker, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure webauthn: %w", err)
	}
	return &Broker{
		wa:            wa,
		users:         users,
		creds:         creds,
		notifier:      notifier,
		pending:       make(map[string]*pendingChallenge),
		registrations: make(map[string]webauthn.SessionData),
		logger:        logger.With(slog.String("module", "stepup-broker")),
	}, nil
}

func (b *Broker) loadUser(ctx context.Context, userID string) (webauthnUser, error) {
	user, err := b.users.User(ctx, userID)
	if err != nil {
		return webauthnUser{}, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	creds, err := b.creds.Credentials(ctx, userID)
	if err != nil {
		return webauthnUser{}, fmt.Errorf("failed to load credentials of %s: %w", userID, err)
	}
	return webauthnUser{user: user, creds: creds}, nil
}

// Authenticate implements Authenticator. A user without an enrolled passkey can't be verified, which cancels the
// call. The wait ends at ctx's deadline.
func (b *Broker) Authenticate(ctx context.Context, ch Challenge) (bool, error) {
	wu, err := b.loadUser(ctx, ch.UserID)
	if err != nil {
		return false, err
	}
	if len(wu.creds) == 0 {
		b.logger.Info("No passkey enrolled", slog.String("userID", ch.UserID))
		return false, nil
	}

	assertion, session, err := b.wa.BeginLogin(wu)
	if err != nil {
		return false, fmt.Errorf("failed to begin assertion: %w", err)
	}

	p := &pendingChallenge{challenge: ch, user: wu, session: *session, done: make(chan bool, 1)}
	b.mu.Lock()
	b.pending[ch.ID] = p
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, ch.ID)
		b.mu.Unlock()
	}()

	if err := b.notifier.ChallengeOpened(ctx, PendingChallenge{Challenge: ch, Options: assertion}); err != nil {
		return false, fmt.Errorf("failed to deliver challenge: %w", err)
	}

	state := StateCancelled
	select {
	case ok := <-p.done:
		if ok {
			state = StateVerified
		}
	case <-ctx.Done():
	}
	b.notifier.ChallengeClosed(ch.UserID, ch.ID, state)
	return state == StateVerified, nil
}

func (b *Broker) lookup(userID, challengeID string) (*pendingChallenge, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[challengeID]
	if !ok || p.challenge.UserID != userID {
		return nil, ErrUnknownChallenge
	}
	return p, nil
}

// Verify checks the assertion in r against the pending challenge. A signature that doesn't verify resolves the
// challenge as not verified.
func (b *Broker) Verify(ctx context.Context, userID, challengeID string, r *http.Request) error {
	p, err := b.lookup(userID, challengeID)
	if err != nil {
		return err
	}

	cred, err := b.wa.FinishLogin(p.user, p.session, r)
	if err != nil {
		p.resolve(false)
		return fmt.Errorf("assertion rejected: %w", err)
	}
	if err := b.creds.PutCredential(ctx, userID, *cred); err != nil {
		b.logger.Warn("Failed to update credential", slog.String(errLoggerKey, err.Error()))
	}
	p.resolve(true)
	return nil
}

// Decline resolves the pending challenge as declined.
func (b *Broker) Decline(userID, challengeID string) error {
	p, err := b.lookup(userID, challengeID)
	if err != nil {
		return err
	}
	p.resolve(false)
	return nil
}

// Pending lists the challenges currently waiting for the user.
func (b *Broker) Pending(userID string) []Challenge {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Challenge
	for _, p := range b.pending {
		if p.challenge.UserID == userID {
			out = append(out, p.challenge)
		}
	}
	return out
}

// HasCredential reports whether the user enrolled at least one passkey.
func (b *Broker) HasCredential(ctx context.Context, userID string) (bool, error) {
	creds, err := b.creds.Credentials(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(creds) > 0, nil
}

// BeginRegistration starts passkey enrollment for the user.
func (b *Broker) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	wu, err := b.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	exclude := make([]protocol.CredentialDescriptor, 0, len(wu.creds))
	for _, c := range wu.creds {
		exclude = append(exclude, c.Descriptor())
	}

	creation, session, err := b.wa.BeginRegistration(wu, webauthn.WithExclusions(exclude))
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}
	b.mu.Lock()
	b.registrations[userID] = *session
	b.mu.Unlock()
	return creation, nil
}

// FinishRegistration verifies the attestation in r and stores the new passkey.
func (b *Broker) FinishRegistration(ctx context.Context, userID string, r *http.Request) error {
	b.mu.Lock()
	session, ok := b.registrations[userID]
	delete(b.registrations, userID)
	b.mu.Unlock()
	if !ok {
		return errors.New("no registration in progress")
	}

	wu, err := b.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	cred, err := b.wa.FinishRegistration(wu, session, r)
	if err != nil {
		return fmt.Errorf("attestation rejected: %w", err)
	}
	if err := b.creds.PutCredential(ctx, userID, *cred); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	b.logger.Info("Passkey enrolled", slog.String("userID", userID))
	return nil
}
