package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"bountyescrow/access"
	"bountyescrow/principal"
)

const aliceAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

var adminAddress = principal.MustParseAddress("0x00000000000000000000000000000000000000ad")

// admins grants the administrator capability to the listed principals.
type admins []principal.Address

func (a admins) HasCapability(_ context.Context, p principal.Address, c access.Capability) (bool, error) {
	if c != access.Administrator {
		return false, nil
	}
	for _, admin := range a {
		if admin == p {
			return true, nil
		}
	}
	return false, nil
}

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, admins{adminAddress}, "test-secret")

	req := RegisterRequest{Address: aliceAddress, Password: "supersafe"}

	ctx := context.Background()
	cred, err := svc.Register(ctx, adminAddress, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}
	want := principal.MustParseAddress(aliceAddress)
	if cred.Address != want {
		t.Fatalf("expected canonical address %q got %q", want, cred.Address)
	}

	resp, err := svc.Login(ctx, LoginRequest{Address: "0x52908400098527886e0f7030069857d2e4169ee7", Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.Principal != want {
		t.Fatalf("login: expected principal %q got %q", want, resp.Principal)
	}

	got, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if got != want {
		t.Fatalf("verify token: expected %q got %q", want, got)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, admins{adminAddress}, "test-secret")

	_, err := svc.Register(context.Background(), adminAddress, RegisterRequest{Address: aliceAddress, Password: "short"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	for _, addr := range []string{"", "alice", principal.ZeroAddress.String()} {
		_, err := svc.Register(context.Background(), adminAddress, RegisterRequest{Address: addr, Password: "strongpassword"})
		if !errors.Is(err, principal.ErrInvalidAddress) {
			t.Fatalf("address %q: expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func TestService_DuplicatePrincipal(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, admins{adminAddress}, "test-secret")

	req := RegisterRequest{Address: aliceAddress, Password: "strongpassword"}
	if _, err := svc.Register(context.Background(), adminAddress, req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if _, err := svc.Register(context.Background(), adminAddress, req); !errors.Is(err, ErrDuplicatePrincipal) {
		t.Fatalf("expected ErrDuplicatePrincipal, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, admins{adminAddress}, "test-secret")
	if _, err := svc.Register(context.Background(), adminAddress, RegisterRequest{Address: aliceAddress, Password: "strongpassword"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []LoginRequest{
		{Address: "0x00000000000000000000000000000000000000f1", Password: "irrelevant"},
		{Address: aliceAddress, Password: "wrongpassword"},
		{Address: "not-an-address", Password: "strongpassword"},
	}
	for _, req := range cases {
		if _, err := svc.Login(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("login %q: expected ErrInvalidCredentials, got %v", req.Address, err)
		}
	}
}

func TestService_VerifyTokenRejects(t *testing.T) {
	repo := newFakeRepository()
	issuedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(repo, admins{adminAddress}, "test-secret").WithClock(func() time.Time { return issuedAt })
	if _, err := svc.Register(context.Background(), adminAddress, RegisterRequest{Address: aliceAddress, Password: "strongpassword"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(context.Background(), LoginRequest{Address: aliceAddress, Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	other := NewService(repo, admins{adminAddress}, "other-secret").WithClock(func() time.Time { return issuedAt })
	if _, err := other.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret: expected ErrInvalidToken, got %v", err)
	}

	later := NewService(repo, admins{adminAddress}, "test-secret").WithClock(func() time.Time { return issuedAt.Add(25 * time.Hour) })
	if _, err := later.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}

	if _, err := svc.VerifyToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage: expected ErrInvalidToken, got %v", err)
	}
}

func TestService_RegisterRequiresAdministrator(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, admins{adminAddress}, "test-secret")
	ctx := context.Background()
	curator := "0x3333333333333333333333333333333333333333"

	for _, caller := range []principal.Address{"", principal.ZeroAddress, principal.MustParseAddress(curator)} {
		_, err := svc.Register(ctx, caller, RegisterRequest{Address: curator, Password: "attacker-pw"})
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("caller %q: expected ErrUnauthorized, got %v", caller, err)
		}
	}
	if len(repo.creds) != 0 {
		t.Fatalf("rejected registration must store nothing, got %d credentials", len(repo.creds))
	}
	if _, err := svc.Login(ctx, LoginRequest{Address: curator, Password: "attacker-pw"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("self-registered password must not log in, got %v", err)
	}

	unchecked := NewService(repo, nil, "test-secret")
	if _, err := unchecked.Register(ctx, adminAddress, RegisterRequest{Address: curator, Password: "attacker-pw"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("service without a checker must refuse registration, got %v", err)
	}
}

func TestService_ProvisionSkipsCallerCheck(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, admins{}, "test-secret")

	cred, err := svc.Provision(context.Background(), RegisterRequest{Address: aliceAddress, Password: "genesis-password"})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if _, err := svc.Login(context.Background(), LoginRequest{Address: cred.Address.String(), Password: "genesis-password"}); err != nil {
		t.Fatalf("provisioned credential must log in: %v", err)
	}
}

type fakeRepository struct {
	creds map[principal.Address]Credential
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{creds: make(map[principal.Address]Credential)}
}

func (f *fakeRepository) CreateCredential(ctx context.Context, address principal.Address, passwordHash string) (Credential, error) {
	if _, exists := f.creds[address]; exists {
		return Credential{}, ErrDuplicatePrincipal
	}
	cred := Credential{
		Address:      address,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	f.creds[address] = cred
	return cred, nil
}

func (f *fakeRepository) GetCredential(ctx context.Context, address principal.Address) (Credential, error) {
	cred, ok := f.creds[address]
	if !ok {
		return Credential{}, ErrPrincipalNotFound
	}
	return cred, nil
}
