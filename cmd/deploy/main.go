// Command deploy prepares a database for the escrow service: it applies the
// schema, installs the genesis administrator, grants the curator capability,
// provisions their login credentials and writes a deployment record.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"bountyescrow/access"
	"bountyescrow/auth"
	"bountyescrow/config"
	"bountyescrow/db"
	"bountyescrow/outbox"
	"bountyescrow/principal"
)

type registry interface {
	Bootstrap(ctx context.Context, genesis principal.Address) (bool, error)
	Grant(ctx context.Context, caller, p principal.Address, c access.Capability) (bool, error)
	HasCapability(ctx context.Context, p principal.Address, c access.Capability) (bool, error)
}

type provisioner interface {
	Provision(ctx context.Context, req auth.RegisterRequest) (*auth.Credential, error)
}

// Deployment is the record written to deploy.output_path.
type Deployment struct {
	Database       string   `json:"database"`
	Migrations     []string `json:"migrations"`
	Deployer       string   `json:"deployer"`
	Curator        string   `json:"curator"`
	Bootstrapped   bool     `json:"bootstrapped"`
	CuratorGranted bool     `json:"curatorGranted"`
	IsAdmin        bool     `json:"isAdmin"`
	IsCurator      bool     `json:"isCurator"`
	Credentials    []string `json:"credentials"`
	DeployedAt     string   `json:"deployedAt"`
}

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	output := pflag.String("output", "", "deployment record path (overrides deploy.output_path)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*configPath, *output, logger); err != nil {
		log.Fatalf("deploy: %v", err)
	}
}

func run(configPath, output string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDeploy(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if output != "" {
		cfg.Deploy.OutputPath = output
	}
	genesis := principal.MustParseAddress(cfg.Deploy.GenesisAdmin)
	curator := genesis
	if cfg.Deploy.Curator != "" {
		curator = principal.MustParseAddress(cfg.Deploy.Curator)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "versions", applied)

	reg := access.NewRegistry(pool, access.NewRepository(pool), outbox.NewWriter()).WithLogger(logger)
	dep, err := deploy(ctx, reg, genesis, curator, logger)
	if err != nil {
		return err
	}
	creds := []auth.RegisterRequest{{Address: genesis.String(), Password: cfg.Deploy.GenesisPassword}}
	if cfg.Deploy.CuratorPassword != "" && curator != genesis {
		creds = append(creds, auth.RegisterRequest{Address: curator.String(), Password: cfg.Deploy.CuratorPassword})
	}
	// Registration over the API needs an administrator, so the first
	// credentials can only come from here.
	authService := auth.NewService(auth.NewRepository(pool), reg, cfg.Auth.JWTSecret)
	dep.Credentials, err = provisionCredentials(ctx, authService, creds, logger)
	if err != nil {
		return err
	}

	conn := pool.Config().ConnConfig
	dep.Database = fmt.Sprintf("%s:%d/%s", conn.Host, conn.Port, conn.Database)
	dep.Migrations = applied
	if dep.Migrations == nil {
		dep.Migrations = []string{}
	}

	if err := writeDeployment(cfg.Deploy.OutputPath, dep); err != nil {
		return err
	}
	logger.Info("deployment summary",
		"deployer", genesis.Checksum(),
		"is_admin", dep.IsAdmin,
		"curator", curator.Checksum(),
		"is_curator", dep.IsCurator,
		"output", cfg.Deploy.OutputPath,
	)
	return nil
}

// deploy installs genesis as the first administrator, grants curator the
// curator capability and verifies both. Re-running against a deployed
// database changes nothing.
func deploy(ctx context.Context, reg registry, genesis, curator principal.Address, logger *slog.Logger) (Deployment, error) {
	bootstrapped, err := reg.Bootstrap(ctx, genesis)
	if err != nil {
		return Deployment{}, fmt.Errorf("bootstrap administrator: %w", err)
	}
	if !bootstrapped {
		logger.Info("administrator already present, bootstrap skipped")
	}

	granted, err := reg.Grant(ctx, genesis, curator, access.Curator)
	if err != nil {
		return Deployment{}, fmt.Errorf("grant curator to %s: %w", curator, err)
	}

	isAdmin, err := reg.HasCapability(ctx, genesis, access.Administrator)
	if err != nil {
		return Deployment{}, err
	}
	isCurator, err := reg.HasCapability(ctx, curator, access.Curator)
	if err != nil {
		return Deployment{}, err
	}
	if !isAdmin || !isCurator {
		return Deployment{}, errors.New("capability verification failed")
	}

	return Deployment{
		Deployer:       genesis.String(),
		Curator:        curator.String(),
		Bootstrapped:   bootstrapped,
		CuratorGranted: granted,
		IsAdmin:        isAdmin,
		IsCurator:      isCurator,
		DeployedAt:     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// provisionCredentials creates a login for every request and returns the
// addresses that received one. Addresses that already have a credential
// keep it.
func provisionCredentials(ctx context.Context, p provisioner, reqs []auth.RegisterRequest, logger *slog.Logger) ([]string, error) {
	created := []string{}
	for _, req := range reqs {
		cred, err := p.Provision(ctx, req)
		if errors.Is(err, auth.ErrDuplicatePrincipal) {
			logger.Info("credential already present", "principal", req.Address)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("provision credential for %s: %w", req.Address, err)
		}
		created = append(created, cred.Address.String())
	}
	return created, nil
}

func writeDeployment(path string, dep Deployment) error {
	data, err := json.MarshalIndent(dep, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
