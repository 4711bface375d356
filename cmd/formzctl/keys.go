package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"

	"github.com/matt-riley/formz/internal/repository"
)

// keyStore is the subset of the repository the keys commands manage.
type keyStore interface {
	CreateAPIKey(ctx context.Context, name string) (keyID, secret string, err error)
	ListAPIKeys(ctx context.Context) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

// openKeyStore is swapped out in tests.
var openKeyStore = func(ctx context.Context, databaseURL string) (keyStore, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

var errUnknownKey = errors.New("api key not found or already revoked")

func newKeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "manage API keys accepted by the server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection string",
				Sources:  cli.EnvVars("DATABASE_URL"),
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a key and print its bearer token once",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "label shown when listing keys"},
				},
				Action: withKeyStore(func(ctx context.Context, cmd *cli.Command, store keyStore) error {
					keyID, secret, err := store.CreateAPIKey(ctx, strings.TrimSpace(cmd.String("name")))
					if err != nil {
						return err
					}
					created := createdKey{ID: keyID, Token: keyID + "." + secret}
					return render(cmd, created, func(w io.Writer) {
						fmt.Fprintf(w, "id: %s\n", created.ID)
						fmt.Fprintf(w, "token: %s\n", created.Token)
					})
				}),
			},
			{
				Name:  "list",
				Usage: "list active keys",
				Action: withKeyStore(func(ctx context.Context, cmd *cli.Command, store keyStore) error {
					keys, err := store.ListAPIKeys(ctx)
					if err != nil {
						return err
					}
					return render(cmd, keys, func(w io.Writer) {
						if len(keys) == 0 {
							fmt.Fprintln(w, "no active keys")
						}
						for _, k := range keys {
							fmt.Fprintf(w, "%s\t%s\t%s\n", k.ID, k.Name, k.CreatedAt.UTC().Format(time.RFC3339))
						}
					})
				}),
			},
			{
				Name:      "revoke",
				Usage:     "revoke a key by id",
				ArgsUsage: "<key-id>",
				Action: withKeyStore(func(ctx context.Context, cmd *cli.Command, store keyStore) error {
					keyID := strings.TrimSpace(cmd.Args().First())
					if keyID == "" {
						return errors.New("key id is required")
					}
					if err := store.RevokeAPIKey(ctx, keyID); err != nil {
						if errors.Is(err, pgx.ErrNoRows) {
							return fmt.Errorf("%w: %s", errUnknownKey, keyID)
						}
						return err
					}
					return render(cmd, map[string]string{"revoked": keyID}, func(w io.Writer) {
						fmt.Fprintf(w, "revoked: %s\n", keyID)
					})
				}),
			},
		},
	}
}

type createdKey struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func withKeyStore(action func(context.Context, *cli.Command, keyStore) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		store, closeStore, err := openKeyStore(ctx, cmd.String("database-url"))
		if err != nil {
			return err
		}
		defer closeStore()
		return action(ctx, cmd, store)
	}
}
