// Command netsyncd runs the sync core's reactor as a standalone daemon: it
// optionally listens for inbound sessions, optionally dials a fixed set of
// peers, and serves both out of one store and one keystore until signaled
// to stop. Grounded on cmd/rubin-node/main.go's run(args, stdout, stderr)
// int pattern and its flag/JSON-config/signal.NotifyContext shutdown shape,
// generalized from a block-relay node's PeerManager bootstrap to the
// reactor's Arena/Reactor pair.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"netsync.dev/core/crypto"
	"netsync.dev/core/keystore"
	"netsync.dev/core/netsync"
	"netsync.dev/core/policy"
	"netsync.dev/core/reactor"
	"netsync.dev/core/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Config is the daemon's effective configuration, printed as JSON at
// startup the way cmd/rubin-node/main.go prints node.Config.
type Config struct {
	DataDir     string   `json:"data_dir"`
	KeystorePath string  `json:"keystore_path"`
	OwnKeyName  string   `json:"own_key_name"`
	Bind        string   `json:"bind,omitempty"`
	Peers       []string `json:"peers,omitempty"`
	Role        string   `json:"role"`
	Anonymous   bool     `json:"anonymous"`
	Include     string   `json:"include,omitempty"`
	Exclude     string   `json:"exclude,omitempty"`
	MaxSessions int      `json:"max_sessions"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	LogLevel    string   `json:"log_level"`
}

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	var cfg Config
	var peers multiStringFlag
	var kekHex string

	fs := flag.NewFlagSet("netsyncd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.DataDir, "datadir", "./netsyncd-data", "daemon data directory")
	fs.StringVar(&cfg.KeystorePath, "keystore", "", "keystore JSON path (default: <datadir>/keystore.json)")
	fs.StringVar(&kekHex, "kek-hex", "", "AES-256 keystore key-encryption key (32 bytes hex)")
	fs.StringVar(&cfg.OwnKeyName, "own-key", "", "name of this daemon's key in the keystore (required to accept connections)")
	fs.StringVar(&cfg.Bind, "bind", "", "listen address host:port (empty: do not accept inbound sessions)")
	fs.Var(&peers, "peer", "outbound peer host:port (repeatable)")
	fs.StringVar(&cfg.Role, "role", "source-sink", "session role: source|sink|source-sink")
	fs.BoolVar(&cfg.Anonymous, "anonymous", false, "authenticate outbound sessions anonymously")
	fs.StringVar(&cfg.Include, "include", "*", "branch include glob")
	fs.StringVar(&cfg.Exclude, "exclude", "", "branch exclude glob")
	fs.IntVar(&cfg.MaxSessions, "max-sessions", 0, "max concurrent sessions (0: reactor default)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "per-session idle eviction timeout (0: spec default, 6h)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	dryRun := fs.Bool("dry-run", false, "print effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg.Peers = []string(peers)

	if cfg.KeystorePath == "" {
		cfg.KeystorePath = filepath.Join(cfg.DataDir, "keystore.json")
	}
	role, err := parseRole(cfg.Role)
	if err != nil {
		fmt.Fprintf(stderr, "invalid --role: %v\n", err)
		return 2
	}
	var kek []byte
	if kekHex != "" {
		kek, err = hex.DecodeString(kekHex)
		if err != nil || len(kek) != 32 {
			fmt.Fprintln(stderr, "--kek-hex must decode to exactly 32 bytes")
			return 2
		}
	}

	level := parseLogLevel(cfg.LogLevel)
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := printConfig(stdout, cfg); err != nil {
		fmt.Fprintf(stderr, "config encode failed: %v\n", err)
		return 1
	}
	if *dryRun {
		return 0
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		fmt.Fprintf(stderr, "datadir create failed: %v\n", err)
		return 2
	}
	if cfg.Bind != "" && cfg.OwnKeyName == "" {
		fmt.Fprintln(stderr, "--own-key is required when --bind is set")
		return 2
	}

	ks, err := loadOrInitKeystore(cfg.KeystorePath, kek)
	if err != nil {
		fmt.Fprintf(stderr, "keystore: %v\n", err)
		return 2
	}

	prov := crypto.StdProvider{}
	st, err := store.Open(filepath.Join(cfg.DataDir, "store.db"), store.Options{
		Hash:  func(b []byte) [20]byte { return prov.Hash(b) },
		Apply: prov.Apply,
		Delta: prov.Delta,
	})
	if err != nil {
		fmt.Fprintf(stderr, "store open failed: %v\n", err)
		return 2
	}
	defer st.Close()

	arena := reactor.NewArena(reactor.Options{MaxSessions: cfg.MaxSessions, IdleTimeout: cfg.IdleTimeout})
	rx := reactor.NewReactor(arena, st, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ncfg := func() netsync.Config {
		return netsync.Config{
			Crypto: prov, Keystore: ks, Policy: policy.AllowAll{}, Store: st,
			MinVersion: 1, MaxVersion: 1, OwnKeyName: cfg.OwnKeyName,
		}
	}

	if cfg.Bind != "" {
		ln, err := net.Listen("tcp", cfg.Bind)
		if err != nil {
			fmt.Fprintf(stderr, "listen failed: %v\n", err)
			return 2
		}
		go func() {
			if err := rx.Serve(ctx, ln, ncfg); err != nil {
				log.Error("netsyncd: accept loop ended", "err", err)
			}
		}()
		fmt.Fprintf(stdout, "listening on %s\n", cfg.Bind)
	}

	for _, addr := range cfg.Peers {
		addr := addr
		go func() {
			keyID, anon := ownKeyOrAnonymous(ks, cfg.OwnKeyName, cfg.Anonymous)
			_, err := rx.Dial(ctx, addr, reactor.DialOptions{
				NewSession: func() *netsync.Session {
					return netsync.NewClientSession(ncfg(), netsync.ClientAuth{
						Role: role, Include: cfg.Include, Exclude: cfg.Exclude,
						OwnKeyID: keyID, Anonymous: anon,
					})
				},
			})
			if err != nil {
				log.Error("netsyncd: dial failed permanently", "addr", addr, "err", err)
			}
		}()
	}

	fmt.Fprintln(stdout, "netsyncd running")
	if err := rx.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("netsyncd: reactor stopped unexpectedly", "err", err)
	}
	fmt.Fprintln(stdout, "netsyncd stopped")
	return 0
}

func ownKeyOrAnonymous(ks *keystore.Keystore, ownKeyName string, anonymous bool) ([20]byte, bool) {
	if anonymous || ownKeyName == "" {
		return [20]byte{}, true
	}
	id, ok := ks.KeyIDByName(ownKeyName)
	if !ok {
		return [20]byte{}, true
	}
	return id, false
}

func loadOrInitKeystore(path string, kek []byte) (*keystore.Keystore, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if len(kek) == 0 {
			return keystore.New(), nil
		}
		ks := keystore.New()
		return ks, ks.Save(path, kek)
	}
	if len(kek) == 0 {
		return nil, fmt.Errorf("--kek-hex is required to open existing keystore %s", path)
	}
	return keystore.Load(path, kek)
}

func parseRole(s string) (netsync.Role, error) {
	switch strings.ToLower(s) {
	case "source":
		return netsync.RoleSource, nil
	case "sink":
		return netsync.RoleSink, nil
	case "source-sink", "sourcesink", "":
		return netsync.RoleSourceSink, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printConfig(w io.Writer, cfg Config) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
