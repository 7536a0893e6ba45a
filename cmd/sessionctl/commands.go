package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-session/auth"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/tenants"
	"github.com/jrsteele09/go-auth-session/token"
	"github.com/jrsteele09/go-auth-session/users"
	"golang.org/x/term"
)

func login(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	tenant := fs.String("tenant", "", "tenant slug; defaults to the last one used")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *tenant == "" {
		last, err := e.client.Sessions.LastTenantSlug(ctx)
		if err != nil {
			return err
		}
		*tenant = last
	}
	if *email == "" {
		v, err := e.prompt("Email: ")
		if err != nil {
			return err
		}
		*email = v
	}
	password, err := e.password("Password: ")
	if err != nil {
		return err
	}

	for {
		err := e.client.Sessions.Login(ctx, *email, password, *tenant)
		var conflict *tenants.ConflictError
		if errors.As(err, &conflict) {
			slug, err := e.chooseTenant(conflict.Candidates)
			if err != nil {
				return err
			}
			*tenant = slug
			continue
		}
		if err != nil {
			return describe(err)
		}
		break
	}

	printUser(e, e.client.Sessions.Snapshot())
	return nil
}

func register(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	var r users.Registration
	fs.StringVar(&r.Email, "email", "", "owner email")
	fs.StringVar(&r.FirstName, "first-name", "", "owner first name")
	fs.StringVar(&r.LastName, "last-name", "", "owner last name")
	fs.StringVar(&r.TenantName, "tenant-name", "", "display name of the new tenant")
	fs.StringVar(&r.TenantSlug, "tenant", "", "slug of the new tenant")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fields := []struct {
		label string
		value *string
	}{
		{"Email: ", &r.Email},
		{"First name: ", &r.FirstName},
		{"Last name: ", &r.LastName},
		{"Tenant name: ", &r.TenantName},
		{"Tenant slug: ", &r.TenantSlug},
	}
	for _, f := range fields {
		if *f.value != "" {
			continue
		}
		v, err := e.prompt(f.label)
		if err != nil {
			return err
		}
		*f.value = v
	}

	var err error
	if r.Password, err = e.password("Password: "); err != nil {
		return err
	}
	if r.ConfirmPassword, err = e.password("Confirm password: "); err != nil {
		return err
	}

	if err := e.client.Sessions.Register(ctx, r); err != nil {
		return describe(err)
	}
	printUser(e, e.client.Sessions.Snapshot())
	return nil
}

func whoami(ctx context.Context, e *env, _ []string) error {
	e.client.Sessions.Initialize(ctx)
	snap := e.client.Sessions.Snapshot()
	if !snap.IsAuthenticated {
		fmt.Fprintln(e.out, "Not signed in.")
		return nil
	}
	printUser(e, snap)
	return nil
}

func logout(ctx context.Context, e *env, _ []string) error {
	if err := e.client.Sessions.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "Signed out.")
	return nil
}

// status never prints token values.
func status(ctx context.Context, e *env, _ []string) error {
	record, err := e.client.Credentials.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "Session stored:   %t\n", record.HasSession())
	fmt.Fprintf(e.out, "Can refresh:      %t\n", record.CanRefresh())
	if record.UserID != "" {
		fmt.Fprintf(e.out, "User id:          %s\n", record.UserID)
	}
	if record.LastTenantSlug != "" {
		fmt.Fprintf(e.out, "Last tenant:      %s\n", record.LastTenantSlug)
	}
	if exp, ok := token.ExpiresAt(record.AccessToken); ok {
		state := "valid"
		if time.Now().After(exp) {
			state = "expired"
		}
		fmt.Fprintf(e.out, "Access token:     %s until %s\n", state, exp.Local().Format(time.RFC1123))
	}
	return nil
}

func (e *env) prompt(label string) (string, error) {
	fmt.Fprint(e.out, label)
	line, err := e.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// password reads without echo when stdin is a terminal.
func (e *env) password(label string) (string, error) {
	fd := int(e.stdin.Fd())
	if !term.IsTerminal(fd) {
		return e.prompt(label)
	}
	fmt.Fprint(e.out, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(e.out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (e *env) chooseTenant(candidates []tenants.Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", errors.New("the account belongs to several tenants but none were offered; pass -tenant")
	}
	fmt.Fprintln(e.out, "This account belongs to several tenants:")
	for i, c := range candidates {
		fmt.Fprintf(e.out, "  %d) %s (%s)\n", i+1, c.Name, c.Slug)
	}
	for {
		answer, err := e.prompt("Choose a tenant: ")
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(candidates) {
			return candidates[n-1].Slug, nil
		}
		for _, c := range candidates {
			if c.Slug == answer {
				return c.Slug, nil
			}
		}
		fmt.Fprintln(e.out, "Enter a number from the list or a tenant slug.")
	}
}

func printUser(e *env, snap sessions.Snapshot) {
	u := snap.User
	if u == nil {
		return
	}
	fmt.Fprintf(e.out, "Signed in as %s <%s>\n", u.FullName(), u.Email)
	if u.Tenant != nil {
		fmt.Fprintf(e.out, "Tenant:  %s (%s)\n", u.Tenant.Name, u.Tenant.Slug)
	}
	fmt.Fprintf(e.out, "Role:    %s\n", u.Role)
}

// describe turns a remote refusal into the message meant for the user.
func describe(err error) error {
	var rejected *auth.RejectedError
	if errors.As(err, &rejected) {
		return errors.New(rejected.Message)
	}
	return err
}
