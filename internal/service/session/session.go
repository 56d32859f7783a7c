package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/protocol/dialog"
	"zerotrace/internal/protocol/envelope"
	"zerotrace/internal/protocol/identity"
	"zerotrace/internal/repository/account"
	"zerotrace/internal/service/syncer"
	"zerotrace/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Directory interface {
		envelope.Directory
		syncer.Fetcher

		Register(ctx context.Context, user *model.User) error
		LookupByUsername(ctx context.Context, username string) (*model.User, error)
		Search(ctx context.Context, query string) ([]*model.User, error)
		FetchEnvelopesForDialog(ctx context.Context, dialogHash string, after float64) ([]*model.Envelope, error)
		ListDialogs(ctx context.Context, kemPublic string) ([]*model.DialogRef, error)
		Subscribe(ctx context.Context, kemPublic string) (<-chan model.Notification, error)
	}

	Accounts interface {
		Save(acc *account.Account) error
		Load(username string) (*account.Account, error)
	}

	// Service creates sessions: it registers new accounts and unlocks
	// existing ones.
	Service struct {
		dir      Directory
		accounts Accounts
		engine   *envelope.Engine
	}

	// Session is one logged-in user. The identity it holds is never
	// modified after login.
	Session struct {
		dir      Directory
		engine   *envelope.Engine
		username string
		id       *model.Identity
	}

	// Dialog is a conversation with its counterpart resolved. Username is
	// empty when the counterpart is no longer registered.
	Dialog struct {
		Hash      string
		PublicKey string
		Username  string
	}
)

func NewService(dir Directory, accounts Accounts) *Service {
	return &Service{
		dir:      dir,
		accounts: accounts,
		engine:   envelope.NewEngine(dir),
	}
}

// Register generates a fresh identity, publishes its public half and stores
// the password-wrapped private half locally.
func (s *Service) Register(ctx context.Context, username, password string) (*Session, error) {
	if _, err := s.accounts.Load(username); err == nil {
		return nil, fmt.Errorf("local account %s: %w", username, model.ErrAlreadyExists)
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	blob, err := identity.Wrap(id, password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username:           username,
		KEMPublicKey:       id.KEMPublicHex(),
		SignaturePublicKey: id.SigPublicHex(),
	}
	if err := s.dir.Register(ctx, user); err != nil {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}

	acc := &account.Account{
		Username:           username,
		KEMPublicKey:       user.KEMPublicKey,
		SignaturePublicKey: user.SignaturePublicKey,
		Wrapped:            *blob,
	}
	if err := s.accounts.Save(acc); err != nil {
		return nil, fmt.Errorf("save account: %w", err)
	}

	log.Info("account registered", zap.String("username", username))
	return s.newSession(username, id), nil
}

// Login unlocks the stored account. A wrong password is model.ErrWrongPassword.
func (s *Service) Login(username, password string) (*Session, error) {
	acc, err := s.accounts.Load(username)
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", username, err)
	}

	kemPublic, err := hex.DecodeString(acc.KEMPublicKey)
	if err != nil {
		return nil, fmt.Errorf("account kem key: %w", err)
	}
	sigPublic, err := hex.DecodeString(acc.SignaturePublicKey)
	if err != nil {
		return nil, fmt.Errorf("account signature key: %w", err)
	}

	id, err := identity.Unwrap(&acc.Wrapped, password, kemPublic, sigPublic)
	if err != nil {
		return nil, err
	}
	return s.newSession(username, id), nil
}

func (s *Service) newSession(username string, id *model.Identity) *Session {
	return &Session{
		dir:      s.dir,
		engine:   s.engine,
		username: username,
		id:       id,
	}
}

func (s *Session) Username() string { return s.username }

func (s *Session) PublicKey() string { return s.id.KEMPublicHex() }

// DialogWith returns the dialog hash shared with username.
func (s *Session) DialogWith(ctx context.Context, username string) (string, error) {
	user, err := s.dir.LookupByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", username, err)
	}
	return dialog.Hash(s.PublicKey(), user.KEMPublicKey), nil
}

// Send encrypts plaintext for username and submits it.
func (s *Session) Send(ctx context.Context, username string, plaintext []byte, msgType model.MessageType) (*model.Envelope, error) {
	user, err := s.dir.LookupByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", username, err)
	}
	return s.engine.Send(ctx, s.id, user.KEMPublicKey, plaintext, msgType)
}

func (s *Session) Search(ctx context.Context, query string) ([]*model.User, error) {
	users, err := s.dir.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.KEMPublicKey != s.PublicKey() {
			out = append(out, u)
		}
	}
	return out, nil
}

// Dialogs lists the user's conversations, most recent first.
func (s *Session) Dialogs(ctx context.Context) ([]Dialog, error) {
	refs, err := s.dir.ListDialogs(ctx, s.PublicKey())
	if err != nil {
		return nil, err
	}

	out := make([]Dialog, 0, len(refs))
	for _, ref := range refs {
		d := Dialog{Hash: ref.DialogHash, PublicKey: ref.PublicKey}
		user, err := s.dir.LookupByPublicKey(ctx, ref.PublicKey)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			d.Username = user.Username
		}
		out = append(out, d)
	}
	return out, nil
}

// History fetches and opens every envelope of a dialog, oldest first.
// Envelopes that fail authentication are left out.
func (s *Session) History(ctx context.Context, dialogHash string) ([]*model.DecryptedMessage, error) {
	var (
		out   []*model.DecryptedMessage
		after float64
	)
	for {
		envs, err := s.dir.FetchEnvelopesForDialog(ctx, dialogHash, after)
		if err != nil {
			return nil, err
		}
		if len(envs) == 0 {
			return out, nil
		}

		msgs, err := s.engine.OpenAll(ctx, s.id, envs)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
		after = envs[len(envs)-1].Timestamp
	}
}

// NewSync builds the sync engine for this session over store.
func (s *Session) NewSync(store syncer.Store, sink syncer.Sink, opts syncer.Options) *syncer.Engine {
	return syncer.New(s.id, s.dir, s.engine, store, sink, opts)
}

// Watch subscribes to push notifications and triggers an ingest cycle on
// each one. It reconnects with backoff until ctx is done.
func (s *Session) Watch(ctx context.Context, eng *syncer.Engine) {
	const (
		minBackoff = time.Second
		maxBackoff = time.Minute
	)
	backoff := minBackoff

	for ctx.Err() == nil {
		ch, err := s.dir.Subscribe(ctx, s.PublicKey())
		if err != nil {
			log.Debug("notify subscribe failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = minBackoff
		for range ch {
			eng.Trigger()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(minBackoff):
		}
	}
}
