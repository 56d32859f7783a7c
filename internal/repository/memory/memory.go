// Package memory holds in-process implementations of the server stores,
// used by the server's --in-memory mode and by tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"zerotrace/internal/model"
	"zerotrace/internal/repository/envelope"
)

type (
	Users struct {
		mu     sync.RWMutex
		byName map[string]*model.User
		byKey  map[string]*model.User
	}

	Envelopes struct {
		mu   sync.RWMutex
		envs []*model.Envelope
	}
)

func NewUsers() *Users {
	return &Users{
		byName: make(map[string]*model.User),
		byKey:  make(map[string]*model.User),
	}
}

func (u *Users) Create(_ context.Context, user *model.User) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.byName[user.Username]; ok {
		return model.ErrAlreadyExists
	}
	if _, ok := u.byKey[user.KEMPublicKey]; ok {
		return model.ErrAlreadyExists
	}
	cp := *user
	u.byName[cp.Username] = &cp
	u.byKey[cp.KEMPublicKey] = &cp
	return nil
}

func (u *Users) ByUsername(_ context.Context, username string) (*model.User, error) {
	return u.get(u.byName, username)
}

func (u *Users) ByPublicKey(_ context.Context, kemPublic string) (*model.User, error) {
	return u.get(u.byKey, kemPublic)
}

func (u *Users) get(m map[string]*model.User, k string) (*model.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	user, ok := m[k]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u *Users) Search(_ context.Context, prefix string) ([]*model.User, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()

	prefix = strings.ToLower(prefix)
	out := make([]*model.User, 0)
	for name, user := range u.byName {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			cp := *user
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}

func NewEnvelopes() *Envelopes {
	return &Envelopes{}
}

func (e *Envelopes) Insert(_ context.Context, env *model.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *env
	e.envs = append(e.envs, &cp)
	return nil
}

func (e *Envelopes) ForKey(_ context.Context, kemPublic string, after float64) ([]*model.Envelope, error) {
	return e.filter(after, func(env *model.Envelope) bool {
		return env.SenderPublicKey == kemPublic || env.RecipientPublicKey == kemPublic
	}), nil
}

func (e *Envelopes) ForDialog(_ context.Context, dialogHash string, after float64) ([]*model.Envelope, error) {
	return e.filter(after, func(env *model.Envelope) bool {
		return env.DialogHash == dialogHash
	}), nil
}

func (e *Envelopes) filter(after float64, match func(*model.Envelope) bool) []*model.Envelope {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*model.Envelope, 0)
	for _, env := range e.envs {
		if env.Timestamp > after && match(env) {
			cp := *env
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if len(out) > envelope.PageSize {
		out = out[:envelope.PageSize]
	}
	return out
}

func (e *Envelopes) Dialogs(_ context.Context, kemPublic string) ([]*model.DialogRef, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	type dialog struct {
		ref  *model.DialogRef
		last float64
	}
	byHash := make(map[string]*dialog)
	for _, env := range e.envs {
		if env.SenderPublicKey != kemPublic && env.RecipientPublicKey != kemPublic {
			continue
		}
		d, ok := byHash[env.DialogHash]
		if !ok {
			other := env.SenderPublicKey
			if other == kemPublic {
				other = env.RecipientPublicKey
			}
			d = &dialog{ref: &model.DialogRef{DialogHash: env.DialogHash, PublicKey: other}}
			byHash[env.DialogHash] = d
		}
		if env.Timestamp > d.last {
			d.last = env.Timestamp
		}
	}

	list := make([]*dialog, 0, len(byHash))
	for _, d := range byHash {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].last > list[j].last })

	out := make([]*model.DialogRef, 0, len(list))
	for _, d := range list {
		out = append(out, d.ref)
	}
	return out, nil
}
