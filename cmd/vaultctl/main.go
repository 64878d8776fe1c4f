// Command vaultctl inspects and repairs vaulted documents from an operator
// shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/smallbiznis/signvault/internal/bootstrap"
	"github.com/smallbiznis/signvault/internal/clock"
	"github.com/smallbiznis/signvault/internal/config"
	"github.com/smallbiznis/signvault/internal/jwt"
	"github.com/smallbiznis/signvault/internal/service/anchor"
	"github.com/smallbiznis/signvault/internal/service/audit"
	"github.com/smallbiznis/signvault/internal/service/events"
	"github.com/smallbiznis/signvault/internal/service/vault"
)

const usage = `usage: vaultctl <command> [flags] [args]

commands:
  history <document-id>   print the audit trail, newest first
  verify  <document-id>   recompute the fingerprint and check the anchor
  anchor  <document-id>   submit a fresh anchoring transaction
  sweep                   re-enqueue stuck webhook events once
  token   --user <id>     issue a bearer token for the HTTP API
`

const operatorActor = "operator"

// deps are the services the commands operate on.
type deps struct {
	vault   *vault.Writer
	anchors *anchor.Service
	audit   *audit.Writer
	sweeper *events.Sweeper
	tokens  *jwt.Generator
	clock   clock.Clock
	close   func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "vaultctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d, err := newDeps(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	return dispatch(ctx, d, args, out)
}

func newDeps(ctx context.Context, cfg config.Config, logger *zap.Logger) (*deps, error) {
	c := clock.Real()
	node, err := snowflake.NewNode(1023)
	if err != nil {
		return nil, err
	}
	awsCfg, err := bootstrap.LoadAWS(ctx, cfg)
	if err != nil {
		return nil, err
	}
	secrets := bootstrap.SecretResolver(cfg, awsCfg)
	enc, err := bootstrap.TokenEncryptor(ctx, cfg, awsCfg, secrets)
	if err != nil {
		return nil, err
	}
	pool, err := bootstrap.OpenPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		logger.Warn("STORE_BACKEND=memory: vaultctl sees an empty store")
	}
	stores := bootstrap.NewStores(pool, enc, node, c)
	blobs, err := bootstrap.BlobStore(cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	l := bootstrap.Ledger(cfg, secrets, logger)
	q := bootstrap.Queue(cfg, logger)

	key, err := jwt.LoadKey(ctx, secrets, cfg.AuthJWTSecretParam)
	if err != nil {
		return nil, err
	}

	auditWriter := audit.NewWriter(stores.Audit, node, c, logger)
	var anchors vault.AnchorReader
	if l != nil {
		anchors = l
	}
	return &deps{
		vault: vault.NewWriter(blobs, stores.Documents, auditWriter, vault.Options{
			RetentionDays: cfg.RetentionDays,
			Clock:         c,
			Logger:        logger,
			Anchors:       anchors,
		}),
		anchors: anchor.NewService(l, stores.Documents, auditWriter, logger),
		audit:   auditWriter,
		sweeper: events.NewSweeper(stores.Events, q, c, events.SweeperConfig{StaleAfter: cfg.SweepStaleAfter}, logger),
		tokens:  jwt.NewGenerator(key, cfg.AuthJWTIssuer, 0),
		clock:   c,
		close: func() {
			_ = q.Close()
			if pool != nil {
				pool.Close()
			}
		},
	}, nil
}

func dispatch(ctx context.Context, d *deps, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	name, rest := args[0], args[1:]

	fs := pflag.NewFlagSet("vaultctl "+name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	actor := fs.String("actor", operatorActor, "actor recorded in the audit log")
	userID := fs.String("user", "", "subject of the issued token")
	ttl := fs.Duration("ttl", time.Hour, "lifetime of the issued token")
	if err := fs.Parse(rest); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	switch name {
	case "history":
		id, err := documentArg(fs)
		if err != nil {
			return err
		}
		entries, err := d.audit.History(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.EventType, e.Actor, metadataJSON(e.Metadata))
		}
		return nil
	case "verify":
		id, err := documentArg(fs)
		if err != nil {
			return err
		}
		result, err := d.vault.Verify(ctx, id, *actor)
		if err != nil {
			return err
		}
		return writeJSON(out, result)
	case "anchor":
		id, err := documentArg(fs)
		if err != nil {
			return err
		}
		doc, err := d.anchors.Reanchor(ctx, id, *actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s anchored in %s\n", doc.ID, doc.BlockchainTxID)
		return nil
	case "sweep":
		n, err := d.sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "re-enqueued %d events\n", n)
		return nil
	case "token":
		if *userID == "" {
			return errors.New("token: --user is required")
		}
		gen := d.tokens
		if *ttl > 0 {
			gen = gen.WithTTL(*ttl)
		}
		token, err := gen.Issue(*userID, jwt.AccessTokenClaims{}, d.clock.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func documentArg(fs *pflag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", errors.New("expected exactly one document id")
	}
	return fs.Arg(0), nil
}

func metadataJSON(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
