package authtest

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/tenants"
	"github.com/jrsteele09/go-auth-session/users"
)

// account is one user in one tenant. The same email may own an account in
// several tenants, with the same password.
type account struct {
	user     users.User
	password string
}

// directory is the fake service's tenant and user data.
type directory struct {
	lock     sync.RWMutex
	tenants  map[string]tenants.Summary // slug -> tenant
	accounts map[string]*account        // user id -> account
}

func newDirectory() *directory {
	return &directory{
		tenants:  make(map[string]tenants.Summary),
		accounts: make(map[string]*account),
	}
}

func (d *directory) upsertTenant(t tenants.Summary) tenants.Summary {
	d.lock.Lock()
	defer d.lock.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Plan == "" {
		t.Plan = "free"
	}
	if t.Status == "" {
		t.Status = "active"
	}
	d.tenants[t.Slug] = t
	return t
}

func (d *directory) tenant(slug string) (tenants.Summary, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	t, ok := d.tenants[slug]
	return t, ok
}

func (d *directory) addAccount(u users.User, password string) users.User {
	d.lock.Lock()
	defer d.lock.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Tenant != nil {
		u.TenantID = u.Tenant.ID
	}
	d.accounts[u.ID] = &account{user: u, password: password}
	return u
}

func (d *directory) user(id string) (users.User, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	a, ok := d.accounts[id]
	if !ok {
		return users.User{}, false
	}
	return *a.user.Clone(), true
}

// matching returns the accounts the credentials open, ordered by tenant slug.
func (d *directory) matching(email, password string) []users.User {
	d.lock.RLock()
	defer d.lock.RUnlock()
	var out []users.User
	for _, a := range d.accounts {
		if a.user.Email == email && a.password == password {
			out = append(out, *a.user.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TenantSlug() < out[j].TenantSlug()
	})
	return out
}
