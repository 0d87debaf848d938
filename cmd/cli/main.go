package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	vault "github.com/i5heu/ouroboros-vault"
	"github.com/i5heu/ouroboros-vault/internal/backup"
	"github.com/i5heu/ouroboros-vault/internal/config"
	"github.com/i5heu/ouroboros-vault/pkg/keystore"
	"github.com/i5heu/ouroboros-vault/pkg/logging"
)

const usage = `Usage: vault-cli <command> [flags] [arguments]
Commands:
  keygen                      create the keypair unless it exists
  fingerprint                 print the public key fingerprint
  put <file> <path>           encrypt file and store it at path ("-" reads stdin)
  get <path> [out]            decrypt path to out, or to stdout
  ls [prefix]                 list stored files
  backup <out.tar.xz>         export all envelopes
  restore <in.tar.xz>         import envelopes from a backup
Every command accepts the shared config flags; see "vault-cli <command> -h".
`

var errUsage = errors.New("invalid usage")

func main() { // A
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// env is what every command gets after its flags were parsed.
type env struct {
	cfg    config.Config
	args   []string
	log    *logrus.Logger
	stdin  io.Reader
	stdout io.Writer
}

type command struct {
	minArgs, maxArgs int
	run              func(ctx context.Context, e env) error
}

var commands = map[string]command{
	"keygen":      {0, 0, keygen},
	"fingerprint": {0, 0, fingerprint},
	"put":         {2, 2, put},
	"get":         {1, 2, get},
	"ls":          {0, 1, list},
	"backup":      {1, 1, exportBackup},
	"restore":     {1, 1, restoreBackup},
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error { // A
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n%s", name, usage)
		return errUsage
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := config.NewFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() < cmd.minArgs || fs.NArg() > cmd.maxArgs {
		fmt.Fprint(stderr, usage)
		return errUsage
	}

	cfg, err := flags.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: stderr})
	if err != nil {
		return err
	}

	return cmd.run(ctx, env{cfg: cfg, args: fs.Args(), log: log, stdin: stdin, stdout: stdout})
}

func keyStore(e env) *keystore.Store {
	return keystore.New(keystore.Config{
		Dir:        e.cfg.Keys.Dir,
		Passphrase: e.cfg.Keys.Passphrase,
		Bits:       e.cfg.Keys.Bits,
		Logger:     e.log,
	})
}

func keygen(ctx context.Context, e env) error { // A
	keys := keyStore(e)
	if err := keys.EnsureKeyPair(ctx); err != nil {
		return err
	}
	pub, err := keys.PublicKey(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "Keypair ready in %s\nFingerprint: %s\n", keys.Dir(), keystore.Fingerprint(pub))
	return nil
}

func fingerprint(ctx context.Context, e env) error { // A
	pub, err := keyStore(e).PublicKey(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, keystore.Fingerprint(pub))
	return nil
}

// withVault opens the configured vault for the duration of fn.
func withVault(ctx context.Context, e env, fn func(v *vault.Vault) error) (err error) {
	v, _, err := vault.Open(ctx, e.cfg, e.log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := v.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(v)
}

func put(ctx context.Context, e env) error {
	src, target := e.args[0], e.args[1]

	in := e.stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		defer f.Close()
		in = f
	}

	return withVault(ctx, e, func(v *vault.Vault) error {
		obj, err := v.Store(ctx, target, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "Stored %s (%d bytes, cid %s)\n", obj.Path, obj.Size, obj.ContentID)
		return nil
	})
}

func get(ctx context.Context, e env) error {
	return withVault(ctx, e, func(v *vault.Vault) error {
		content, err := v.Retrieve(ctx, e.args[0])
		if err != nil {
			return err
		}
		if len(e.args) == 1 {
			_, err = e.stdout.Write(content)
			return err
		}
		if err := os.WriteFile(e.args[1], content, 0o600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
		return nil
	})
}

func list(ctx context.Context, e env) error { // A
	prefix := ""
	if len(e.args) == 1 {
		prefix = e.args[0]
	}
	return withVault(ctx, e, func(v *vault.Vault) error {
		for obj, err := range v.List(ctx, prefix) {
			if err != nil {
				return err
			}
			fmt.Fprintf(e.stdout, "%s\t%d\t%s\n", obj.Path, obj.Size, obj.ContentID)
		}
		return nil
	})
}

func exportBackup(ctx context.Context, e env) error {
	return withVault(ctx, e, func(v *vault.Vault) error {
		f, err := os.OpenFile(e.args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return err
		}
		manifest, err := backup.Export(ctx, v, f, e.log)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(e.args[0])
			return err
		}
		fmt.Fprintf(e.stdout, "Exported %d files to %s\n", len(manifest.Records), e.args[0])
		return nil
	})
}

func restoreBackup(ctx context.Context, e env) error { // A
	f, err := os.Open(e.args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	return withVault(ctx, e, func(v *vault.Vault) error {
		manifest, err := backup.Import(ctx, v.Gateway(), f, e.log)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "Restored %d files from %s\n", len(manifest.Records), e.args[0])
		return nil
	})
}
