// Command netsync-keymgr manages the RSA identities a netsyncd instance
// authenticates with: generating new keys, importing a peer's public key,
// listing a keystore's contents, and rewrapping a keystore under a new
// key-encryption key. Grounded on node/keymgr.go's cmdKeymgr* subcommand
// shape, regeneralized from its ML-DSA/SLH-DSA suite-id keystore to
// keystore.Keystore's RSA records.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"netsync.dev/core/keystore"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: netsync-keymgr <generate|import-pub|list|rewrap> [flags]")
		return 2
	}
	sub, rest := args[0], args[1:]
	var err error
	switch sub {
	case "generate":
		err = cmdGenerate(rest, stdout, stderr)
	case "import-pub":
		err = cmdImportPub(rest, stdout, stderr)
	case "list":
		err = cmdList(rest, stdout, stderr)
	case "rewrap":
		err = cmdRewrap(rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", sub)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "netsync-keymgr %s: %v\n", sub, err)
		return 1
	}
	return 0
}

func hexKEK(s string) ([]byte, error) {
	kek, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("kek-hex: %w", err)
	}
	if len(kek) != 32 {
		return nil, fmt.Errorf("kek must be 32 bytes (got %d)", len(kek))
	}
	return kek, nil
}

// openOrNew loads the keystore at path under kek, or returns a fresh empty
// one if the file doesn't exist yet (the common case for a first `generate`).
func openOrNew(path string, kek []byte) (*keystore.Keystore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return keystore.New(), nil
	}
	return keystore.Load(path, kek)
}

func cmdGenerate(argv []string, stdout, _ io.Writer) error {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	path := fs.String("keystore", "", "keystore JSON path (created if absent)")
	kekHex := fs.String("kek-hex", "", "AES-256 key-encryption key (32 bytes hex)")
	name := fs.String("name", "", "name for the new key")
	bits := fs.Int("bits", 2048, "RSA modulus size in bits")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *path == "" || *kekHex == "" || *name == "" {
		return fmt.Errorf("missing required flags: --keystore --kek-hex --name")
	}
	kek, err := hexKEK(*kekHex)
	if err != nil {
		return err
	}

	ks, err := openOrNew(*path, kek)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, *bits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	keyID, err := ks.Add(*name, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("add key: %w", err)
	}
	if err := ks.Save(*path, kek); err != nil {
		return fmt.Errorf("save keystore: %w", err)
	}
	fmt.Fprintf(stdout, "generated: name=%s key_id=%s\n", *name, hex.EncodeToString(keyID[:]))
	return nil
}

func cmdImportPub(argv []string, stdout, _ io.Writer) error {
	fs := flag.NewFlagSet("import-pub", flag.ContinueOnError)
	path := fs.String("keystore", "", "keystore JSON path (created if absent)")
	kekHex := fs.String("kek-hex", "", "AES-256 key-encryption key (32 bytes hex)")
	name := fs.String("name", "", "name for the imported key")
	pubDERHex := fs.String("pubkey-der-hex", "", "peer's PKIX-encoded RSA public key (hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *path == "" || *kekHex == "" || *name == "" || *pubDERHex == "" {
		return fmt.Errorf("missing required flags: --keystore --kek-hex --name --pubkey-der-hex")
	}
	kek, err := hexKEK(*kekHex)
	if err != nil {
		return err
	}
	der, err := hex.DecodeString(*pubDERHex)
	if err != nil {
		return fmt.Errorf("pubkey-der-hex: %w", err)
	}
	pub, err := parsePKIXRSA(der)
	if err != nil {
		return err
	}

	ks, err := openOrNew(*path, kek)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	keyID, err := ks.Add(*name, pub, nil)
	if err != nil {
		return fmt.Errorf("add key: %w", err)
	}
	if err := ks.Save(*path, kek); err != nil {
		return fmt.Errorf("save keystore: %w", err)
	}
	fmt.Fprintf(stdout, "imported: name=%s key_id=%s\n", *name, hex.EncodeToString(keyID[:]))
	return nil
}

func cmdList(argv []string, stdout, _ io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	path := fs.String("keystore", "", "keystore JSON path")
	kekHex := fs.String("kek-hex", "", "AES-256 key-encryption key (32 bytes hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *path == "" || *kekHex == "" {
		return fmt.Errorf("missing required flags: --keystore --kek-hex")
	}
	kek, err := hexKEK(*kekHex)
	if err != nil {
		return err
	}
	ks, err := keystore.Load(*path, kek)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	for _, r := range ks.Records() {
		kind := "public-only"
		if r.HasPrivate {
			kind = "private"
		}
		fmt.Fprintf(stdout, "%s  %s  %s\n", hex.EncodeToString(r.KeyID[:]), kind, r.Name)
	}
	return nil
}

func cmdRewrap(argv []string, stdout, _ io.Writer) error {
	fs := flag.NewFlagSet("rewrap", flag.ContinueOnError)
	path := fs.String("keystore", "", "keystore JSON path")
	oldKekHex := fs.String("old-kek-hex", "", "current AES-256 key-encryption key (32 bytes hex)")
	newKekHex := fs.String("new-kek-hex", "", "new AES-256 key-encryption key (32 bytes hex)")
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if *path == "" || *oldKekHex == "" || *newKekHex == "" {
		return fmt.Errorf("missing required flags: --keystore --old-kek-hex --new-kek-hex")
	}
	oldKek, err := hexKEK(*oldKekHex)
	if err != nil {
		return fmt.Errorf("old-%w", err)
	}
	newKek, err := hexKEK(*newKekHex)
	if err != nil {
		return fmt.Errorf("new-%w", err)
	}
	ks, err := keystore.Load(*path, oldKek)
	if err != nil {
		return fmt.Errorf("load keystore: %w", err)
	}
	if err := ks.Save(*path, newKek); err != nil {
		return fmt.Errorf("save keystore: %w", err)
	}
	fmt.Fprintln(stdout, "rewrapped")
	return nil
}

func parsePKIXRSA(der []byte) (*rsa.PublicKey, error) {
	anyPub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}
	pub, ok := anyPub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("pubkey is not RSA")
	}
	return pub, nil
}
