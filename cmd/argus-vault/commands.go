package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/argus-run/argus-vault/access"
	"github.com/argus-run/argus-vault/attestation"
	"github.com/argus-run/argus-vault/cmd/flags"
	"github.com/argus-run/argus-vault/httpserver"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/argus-run/argus-vault/kms"
	"github.com/urfave/cli/v2"
)

func archiveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:     "to",
			Required: true,
			Usage:    "archive location URI (file://, s3://, ipfs://, vault://), repeatable",
		},
		&cli.IntFlag{
			Name:  "copies",
			Usage: "copies that must be stored when several --to locations are given (0 means all)",
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "create key material, an empty vault, the attestation log and a default policy",
		Action: func(cCtx *cli.Context) error {
			log := flags.SetupLogger(cCtx)
			home, err := flags.Home(cCtx)
			if err != nil {
				return err
			}
			cfg, err := keyConfig(cCtx, home, log)
			if err != nil {
				return err
			}
			session, err := kms.Create(cCtx.Context, cfg)
			if err != nil {
				return err
			}

			subject := cCtx.String(flags.SubjectFlag.Name)
			if err := access.WriteDefaultPolicy(flags.PolicyPath(cCtx, home), subject); err != nil {
				session.Close()
				return err
			}

			env, err := assemble(cCtx, home, session, attestation.Create, log)
			if err != nil {
				return err
			}
			defer env.Close()

			if _, err := env.ctrl.RecordGenesis(cCtx.Context, subject); err != nil {
				return err
			}

			fingerprint := interfaces.ComputeID(session.PublicKey())
			fmt.Fprintf(cCtx.App.Writer, "initialized vault %s in %s\n", session.VaultID(), home)
			fmt.Fprintf(cCtx.App.Writer, "attestation key fingerprint %s\n", fingerprint.String()[:32])
			return nil
		},
	}
}

func vaultCommand() *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "read and modify secrets",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "store the value read from standard input",
				ArgsUsage: "<name>",
				Action: func(cCtx *cli.Context) error {
					name, err := nameArg(cCtx)
					if err != nil {
						return err
					}
					value, err := readValue(cCtx.App.Reader)
					if err != nil {
						return err
					}
					return withVault(cCtx, func(env *vaultEnv) error {
						return env.ctrl.Write(cCtx.Context, env.subject, name, value)
					})
				},
			},
			{
				Name:      "get",
				Usage:     "print a secret value",
				ArgsUsage: "<name>",
				Action: func(cCtx *cli.Context) error {
					name, err := nameArg(cCtx)
					if err != nil {
						return err
					}
					return withVault(cCtx, func(env *vaultEnv) error {
						value, err := env.ctrl.Read(cCtx.Context, env.subject, name)
						if err != nil {
							return err
						}
						_, err = fmt.Fprintf(cCtx.App.Writer, "%s\n", value)
						return err
					})
				},
			},
			{
				Name:  "list",
				Usage: "list the entry names the subject may read",
				Action: func(cCtx *cli.Context) error {
					return withVault(cCtx, func(env *vaultEnv) error {
						names, err := env.ctrl.List(cCtx.Context, env.subject)
						if err != nil {
							return err
						}
						for _, name := range names {
							fmt.Fprintln(cCtx.App.Writer, name)
						}
						return nil
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "delete a secret",
				ArgsUsage: "<name>",
				Action: func(cCtx *cli.Context) error {
					name, err := nameArg(cCtx)
					if err != nil {
						return err
					}
					return withVault(cCtx, func(env *vaultEnv) error {
						return env.ctrl.Delete(cCtx.Context, env.subject, name)
					})
				},
			},
			{
				Name:  "rotate",
				Usage: "rotate the master key and re-encrypt every entry",
				Action: func(cCtx *cli.Context) error {
					return withVault(cCtx, func(env *vaultEnv) error {
						generation, err := env.ctrl.RotateKey(cCtx.Context, env.subject)
						if err != nil {
							return err
						}
						fmt.Fprintf(cCtx.App.Writer, "master key generation %d\n", generation)
						return nil
					})
				},
			},
			{
				Name:  "backup",
				Usage: "store the encrypted vault file in archive storage",
				Flags: archiveFlags(),
				Action: func(cCtx *cli.Context) error {
					return withVault(cCtx, func(env *vaultEnv) error {
						backend, err := storageBackend(env.log, cCtx.StringSlice("to"), cCtx.Int("copies"))
						if err != nil {
							return err
						}
						id, err := env.ctrl.Backup(cCtx.Context, env.subject, backend)
						if err != nil {
							return err
						}
						fmt.Fprintln(cCtx.App.Writer, id.String())
						return nil
					})
				},
			},
		},
	}
}

func logCommand() *cli.Command {
	return &cli.Command{
		Name:  "log",
		Usage: "inspect the attestation log",
		Subcommands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "replay the hash chain and check every signature (no keychain access)",
				Action: func(cCtx *cli.Context) error {
					l, err := openLogReadOnly(cCtx)
					if err != nil {
						return err
					}
					defer l.Close()
					if err := l.Verify(); err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "ok: %d records, chain intact\n", l.Len())
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "print the records of the current segment",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "json", Usage: "print records as JSON lines"}},
				Action: func(cCtx *cli.Context) error {
					l, err := openLogReadOnly(cCtx)
					if err != nil {
						return err
					}
					defer l.Close()
					return printRecords(cCtx.App.Writer, l.Records(), cCtx.Bool("json"))
				},
			},
			{
				Name:  "archive",
				Usage: "move the current segment to archive storage and start a new one",
				Flags: archiveFlags(),
				Action: func(cCtx *cli.Context) error {
					return withVault(cCtx, func(env *vaultEnv) error {
						backend, err := storageBackend(env.log, cCtx.StringSlice("to"), cCtx.Int("copies"))
						if err != nil {
							return err
						}
						id, err := env.ctrl.ArchiveLog(cCtx.Context, env.subject, backend)
						if err != nil {
							return err
						}
						fmt.Fprintln(cCtx.App.Writer, id.String())
						return nil
					})
				},
			},
		},
	}
}

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "manage recovery of the keychain secret",
		Subcommands: []*cli.Command{
			{
				Name:  "export-recovery",
				Usage: "split the keychain secret into recovery shares",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "parts", Value: 5, Usage: "number of shares"},
					&cli.IntFlag{Name: "threshold", Value: 3, Usage: "shares needed to recover"},
				},
				Action: func(cCtx *cli.Context) error {
					return withVault(cCtx, func(env *vaultEnv) error {
						shares, err := env.ctrl.ExportRecovery(cCtx.Context, env.subject, env.session, cCtx.Int("parts"), cCtx.Int("threshold"))
						if err != nil {
							return err
						}
						for _, share := range shares {
							fmt.Fprintln(cCtx.App.Writer, share)
						}
						return nil
					})
				},
			},
			{
				Name:  "recover",
				Usage: "restore the keychain secret from recovery shares",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "share", Required: true, Usage: "recovery share, repeatable"},
				},
				Action: func(cCtx *cli.Context) error {
					log := flags.SetupLogger(cCtx)
					home, err := flags.Home(cCtx)
					if err != nil {
						return err
					}
					cfg, err := keyConfig(cCtx, home, log)
					if err != nil {
						return err
					}
					session, err := kms.RecoverFromShares(cCtx.Context, cfg, cCtx.StringSlice("share"))
					if err != nil {
						return err
					}
					env, err := assemble(cCtx, home, session, attestation.Open, log)
					if err != nil {
						return err
					}
					defer env.Close()
					if _, err := env.ctrl.RecordRecovery(cCtx.Context, env.subject); err != nil {
						return err
					}
					fmt.Fprintf(cCtx.App.Writer, "recovered keychain secret for vault %s\n", session.VaultID())
					return nil
				},
			},
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the vault to the tool sandbox over loopback HTTP",
		Flags: flags.ServerFlags,
		Action: func(cCtx *cli.Context) error {
			return withVault(cCtx, func(env *vaultEnv) error {
				srv, err := httpserver.New(flags.ConfigureServer(cCtx, env.log), httpserver.NewHandler(env.ctrl, env.log))
				if err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
				defer stop()

				return srv.Serve(ctx)
			})
		},
	}
}

func nameArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one entry name, got %d arguments", cCtx.NArg())
	}
	name := cCtx.Args().First()
	if err := interfaces.ValidateSecretName(name); err != nil {
		return "", err
	}
	return name, nil
}

// readValue reads a secret from r. One trailing newline is dropped so that
// `echo value | argus-vault vault set NAME` stores "value".
func readValue(r io.Reader) ([]byte, error) {
	value, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read value from standard input: %w", err)
	}
	value = bytes.TrimSuffix(value, []byte("\n"))
	value = bytes.TrimSuffix(value, []byte("\r"))
	return value, nil
}

// openLogReadOnly opens the attestation log against the public signing key
// in the key state. It never touches the keychain.
func openLogReadOnly(cCtx *cli.Context) (*attestation.Log, error) {
	log := flags.SetupLogger(cCtx)
	home, err := flags.Home(cCtx)
	if err != nil {
		return nil, err
	}
	identity, err := kms.LoadPublicIdentity(home)
	if err != nil {
		return nil, err
	}
	return attestation.OpenReadOnly(filepath.Join(home, attestation.DefaultFileName), identity.SigningPublicKey, log)
}

func printRecords(w io.Writer, records []interfaces.AttestationRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tOPERATION\tSUBJECT\tRESOURCE\tSCOPE\tOUTCOME")
	for _, rec := range records {
		scope := string(rec.Scope)
		if scope == "" {
			scope = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.Sequence, rec.Time().Format(time.RFC3339), rec.Operation, rec.Subject, rec.Resource, scope, rec.Outcome)
	}
	return tw.Flush()
}
