package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

// LocalDatabase describes a throwaway database on a PostgreSQL server that is
// already running, for machines without Docker.
type LocalDatabase struct {
	Name     string
	User     string
	Password string
	// Addr is host:port. Empty means 127.0.0.1:5432.
	Addr string
	// AdminDSN connects as a role allowed to create roles and databases.
	// Empty tries PG_ADMIN_DSN, then the postgres and $USER roles.
	AdminDSN string
}

// DSN returns the connection string of the database owner.
func (l LocalDatabase) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(l.User, l.Password),
		Host:     l.addr(),
		Path:     "/" + l.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (l LocalDatabase) addr() string {
	if l.Addr == "" {
		return "127.0.0.1:5432"
	}
	return l.Addr
}

func (l LocalDatabase) adminCandidates() []string {
	if l.AdminDSN != "" {
		return []string{l.AdminDSN}
	}
	if dsn := os.Getenv("PG_ADMIN_DSN"); dsn != "" {
		return []string{dsn}
	}
	var out []string
	for _, role := range []string{"postgres", os.Getenv("USER")} {
		if role == "" {
			continue
		}
		for _, pw := range []*url.Userinfo{url.User(role), url.UserPassword(role, "postgres")} {
			u := url.URL{Scheme: "postgres", User: pw, Host: l.addr(), Path: "/postgres", RawQuery: "sslmode=disable"}
			out = append(out, u.String())
		}
	}
	return out
}

// Create recreates the database owned by User and returns its DSN with a
// cleanup func that drops it again.
func (l LocalDatabase) Create(ctx context.Context, appName string) (string, func(context.Context) error, error) {
	if l.Name == "" || l.User == "" {
		return "", nil, errors.New("local database needs a name and a user")
	}
	admin, err := l.connectAdmin(ctx, appName)
	if err != nil {
		return "", nil, err
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{l.User}.Sanitize()
	name := pgx.Identifier{l.Name}.Sanitize()

	// CREATE ROLE takes no parameters, so the password goes in as a quoted
	// literal built by format().
	var createRole string
	if err := admin.QueryRow(ctx, `SELECT format('CREATE ROLE %I WITH LOGIN PASSWORD %L', $1::text, $2::text)`, l.User, l.Password).Scan(&createRole); err != nil {
		return "", nil, fmt.Errorf("build create role: %w", err)
	}
	var exists bool
	if err := admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)`, l.User).Scan(&exists); err != nil {
		return "", nil, fmt.Errorf("look up role %s: %w", l.User, err)
	}
	if !exists {
		if _, err := admin.Exec(ctx, createRole); err != nil {
			return "", nil, fmt.Errorf("create role %s: %w", l.User, err)
		}
	}

	drop := func(ctx context.Context, c *pgx.Conn) error {
		_, err := c.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", name))
		return err
	}
	if err := drop(ctx, admin); err != nil {
		return "", nil, fmt.Errorf("drop database %s: %w", l.Name, err)
	}
	if _, err := admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s OWNER %s", name, role)); err != nil {
		return "", nil, fmt.Errorf("create database %s: %w", l.Name, err)
	}

	cleanup := func(ctx context.Context) error {
		c, err := l.connectAdmin(ctx, appName)
		if err != nil {
			return err
		}
		defer c.Close(ctx)
		return drop(ctx, c)
	}
	return l.DSN(), cleanup, nil
}

func (l LocalDatabase) connectAdmin(ctx context.Context, appName string) (*pgx.Conn, error) {
	var errs []error
	for _, dsn := range l.adminCandidates() {
		cfg, err := pgx.ParseConfig(dsn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cfg.ConnectTimeout = 3 * time.Second
		if appName != "" {
			cfg.RuntimeParams["application_name"] = appName + "_admin"
		}
		conn, err := pgx.ConnectConfig(ctx, cfg)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("connect to %s as administrator: %w", l.addr(), errors.Join(errs...))
}
