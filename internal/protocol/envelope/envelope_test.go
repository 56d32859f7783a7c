package envelope

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"testing"
	"zerotrace/internal/model"
	"zerotrace/internal/protocol/identity"
)

type fakeDirectory struct {
	users     map[string]*model.User
	submitted []*model.Envelope
	submitErr error
	lookupErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{users: make(map[string]*model.User)}
}

func (d *fakeDirectory) add(name string, id *model.Identity) {
	d.users[id.KEMPublicHex()] = &model.User{
		Username:           name,
		KEMPublicKey:       id.KEMPublicHex(),
		SignaturePublicKey: id.SigPublicHex(),
	}
}

func (d *fakeDirectory) LookupByPublicKey(_ context.Context, kemPublic string) (*model.User, error) {
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	u, ok := d.users[kemPublic]
	if !ok {
		return nil, model.ErrNotFound
	}
	return u, nil
}

func (d *fakeDirectory) SubmitEnvelope(_ context.Context, env *model.Envelope) error {
	if d.submitErr != nil {
		return d.submitErr
	}
	env.Timestamp = float64(len(d.submitted) + 1)
	d.submitted = append(d.submitted, env)
	return nil
}

func newIdentity(t *testing.T) *model.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate() error = %v", err)
	}
	return id
}

type fixture struct {
	dir        *fakeDirectory
	engine     *Engine
	alice, bob *model.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dir:   newFakeDirectory(),
		alice: newIdentity(t),
		bob:   newIdentity(t),
	}
	f.dir.add("alice", f.alice)
	f.dir.add("bob", f.bob)
	f.engine = NewEngine(f.dir)
	return f
}

func TestSendReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env, err := f.engine.Send(ctx, f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(f.dir.submitted) != 1 {
		t.Fatalf("submitted = %d, want 1", len(f.dir.submitted))
	}

	msg, err := f.engine.Open(ctx, f.bob, env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if msg.SenderUsername != "alice" {
		t.Errorf("SenderUsername = %q, want alice", msg.SenderUsername)
	}
	if string(msg.Data) != "hello" {
		t.Errorf("Data = %q, want hello", msg.Data)
	}
	if msg.MsgType != model.MessageText {
		t.Errorf("MsgType = %v, want TEXT", msg.MsgType)
	}
	if !msg.Verified {
		t.Error("Verified = false")
	}
	if msg.Timestamp != 1 {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
}

func TestSenderRereadsOwnMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env, err := f.engine.Send(ctx, f.alice, f.bob.KEMPublicHex(), []byte("note to self"), model.MessageText)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := f.engine.Open(ctx, f.alice, env)
	if err != nil {
		t.Fatalf("Open() as sender error = %v", err)
	}
	if string(msg.Data) != "note to self" || !msg.Verified {
		t.Errorf("got %q verified=%v", msg.Data, msg.Verified)
	}
}

func TestSeal_Fields(t *testing.T) {
	f := newFixture(t)
	pka, pkb := f.alice.KEMPublicHex(), f.bob.KEMPublicHex()

	env1, err := Seal(f.alice, pkb, []byte("hello"), model.MessageText)
	if err != nil {
		t.Fatal(err)
	}
	env2, err := Seal(f.alice, pkb, []byte("hello"), model.MessageText)
	if err != nil {
		t.Fatal(err)
	}

	keys := []string{pka, pkb}
	sort.Strings(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "|")))
	if env1.DialogHash != hex.EncodeToString(sum[:]) {
		t.Errorf("DialogHash = %s", env1.DialogHash)
	}
	if env1.SenderPublicKey != pka || env1.RecipientPublicKey != pkb {
		t.Error("sender/recipient keys not set")
	}
	if env1.HashPublic != HashPublic(f.alice.KEMPublic, f.alice.SigPublic) {
		t.Error("HashPublic mismatch")
	}

	fields := func(e *model.Envelope) []string {
		return []string{
			e.SharedSecretAESCiphertext,
			e.SharedSecretKEMCiphertext,
			e.Ciphertext,
			e.Nonce,
			e.SharedSecretAESNonce,
		}
	}
	a, b := fields(env1), fields(env2)
	for i := range a {
		if a[i] == "" {
			t.Errorf("field %d empty", i)
		}
		if a[i] == b[i] {
			t.Errorf("field %d repeated across calls", i)
		}
	}
	if env1.Signature == "" {
		t.Error("signature empty")
	}
}

func TestOpen_TamperedFieldsAreDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		reader func(f *fixture) *model.Identity
		mutate func(e *model.Envelope)
	}{
		{"ciphertext", bobReader, func(e *model.Envelope) { e.Ciphertext = flipHex(e.Ciphertext) }},
		{"nonce", bobReader, func(e *model.Envelope) { e.Nonce = flipHex(e.Nonce) }},
		{"kem ciphertext", bobReader, func(e *model.Envelope) {
			e.SharedSecretKEMCiphertext = flipHex(e.SharedSecretKEMCiphertext)
		}},
		{"aes ciphertext", aliceReader, func(e *model.Envelope) {
			e.SharedSecretAESCiphertext = flipHex(e.SharedSecretAESCiphertext)
		}},
		{"aes nonce", aliceReader, func(e *model.Envelope) {
			e.SharedSecretAESNonce = flipHex(e.SharedSecretAESNonce)
		}},
		{"ciphertext as sender", aliceReader, func(e *model.Envelope) { e.Ciphertext = flipHex(e.Ciphertext) }},
		{"bad hex", bobReader, func(e *model.Envelope) { e.Ciphertext = "zz" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Seal(f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(env)

			msg, err := f.engine.Open(ctx, tt.reader(f), env)
			if !errors.Is(err, model.ErrAuthentication) {
				t.Fatalf("Open() error = %v, want ErrAuthentication", err)
			}
			if msg != nil {
				t.Error("tampered envelope delivered")
			}
		})
	}
}

// The recipient decapsulates the KEM ciphertext and never reads the
// sender's self-recovery fields.
func TestOpen_RecipientIgnoresSelfRecoveryFields(t *testing.T) {
	f := newFixture(t)

	for _, mutate := range []func(e *model.Envelope){
		func(e *model.Envelope) { e.SharedSecretAESCiphertext = flipHex(e.SharedSecretAESCiphertext) },
		func(e *model.Envelope) { e.SharedSecretAESNonce = flipHex(e.SharedSecretAESNonce) },
	} {
		env, err := Seal(f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
		if err != nil {
			t.Fatal(err)
		}
		mutate(env)

		msg, err := f.engine.Open(context.Background(), f.bob, env)
		if err != nil {
			t.Fatalf("Open() as recipient error = %v", err)
		}
		if string(msg.Data) != "hello" || !msg.Verified {
			t.Errorf("got %q verified=%v", msg.Data, msg.Verified)
		}
	}
}

func TestOpen_ForeignSignature(t *testing.T) {
	f := newFixture(t)
	mallory := newIdentity(t)

	env, err := Seal(f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
	if err != nil {
		t.Fatal(err)
	}
	forged, err := Seal(mallory, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
	if err != nil {
		t.Fatal(err)
	}
	env.Signature = forged.Signature

	msg, err := f.engine.Open(context.Background(), f.bob, env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if msg.Verified {
		t.Error("Verified = true for foreign signature")
	}
	if !bytes.Equal(msg.Data, model.UnverifiedPayload) {
		t.Errorf("Data = %q, want sentinel", msg.Data)
	}

	aliceUser := f.dir.users[f.alice.KEMPublicHex()]
	if HashPublic(f.alice.KEMPublic, mustHex(t, aliceUser.SignaturePublicKey)) != env.HashPublic {
		t.Error("hash binding should still pass")
	}
}

func TestOpen_HashBindingMismatch(t *testing.T) {
	f := newFixture(t)
	env, _ := Seal(f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)

	// Directory now reports a different signature key for alice.
	other := newIdentity(t)
	f.dir.users[f.alice.KEMPublicHex()].SignaturePublicKey = other.SigPublicHex()

	msg, err := f.engine.Open(context.Background(), f.bob, env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if msg.Verified || !bytes.Equal(msg.Data, model.UnverifiedPayload) {
		t.Errorf("got %q verified=%v, want sentinel", msg.Data, msg.Verified)
	}
}

func TestOpen_UnknownSender(t *testing.T) {
	f := newFixture(t)
	env, _ := Seal(f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
	delete(f.dir.users, f.alice.KEMPublicHex())

	msg, err := f.engine.Open(context.Background(), f.bob, env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if msg.Verified {
		t.Error("unknown sender verified")
	}
}

func TestOpen_TransientLookup(t *testing.T) {
	f := newFixture(t)
	env, _ := Seal(f.alice, f.bob.KEMPublicHex(), []byte("hello"), model.MessageText)
	f.dir.lookupErr = model.ErrTransient

	if _, err := f.engine.Open(context.Background(), f.bob, env); !errors.Is(err, model.ErrTransient) {
		t.Fatalf("Open() error = %v, want ErrTransient", err)
	}
}

func TestSend_SubmitFailure(t *testing.T) {
	f := newFixture(t)
	f.dir.submitErr = errors.New("connection refused")

	_, err := f.engine.Send(context.Background(), f.alice, f.bob.KEMPublicHex(), []byte("x"), model.MessageText)
	if !errors.Is(err, model.ErrTransient) {
		t.Fatalf("Send() error = %v, want ErrTransient", err)
	}
}

func TestOpenAll_SkipsAuthenticationFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good, _ := Seal(f.alice, f.bob.KEMPublicHex(), []byte("one"), model.MessageText)
	bad, _ := Seal(f.alice, f.bob.KEMPublicHex(), []byte("two"), model.MessageText)
	bad.Ciphertext = flipHex(bad.Ciphertext)

	msgs, err := f.engine.OpenAll(ctx, f.bob, []*model.Envelope{good, bad})
	if err != nil {
		t.Fatalf("OpenAll() error = %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "one" {
		t.Errorf("OpenAll() = %d messages", len(msgs))
	}

	f.dir.lookupErr = model.ErrTransient
	if _, err := f.engine.OpenAll(ctx, f.bob, []*model.Envelope{good}); !errors.Is(err, model.ErrTransient) {
		t.Errorf("OpenAll() error = %v, want ErrTransient", err)
	}
}

func bobReader(f *fixture) *model.Identity   { return f.bob }
func aliceReader(f *fixture) *model.Identity { return f.alice }

func flipHex(s string) string {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return s
	}
	b[len(b)/2] ^= 0x01
	return hex.EncodeToString(b)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
