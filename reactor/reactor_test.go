package reactor

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"netsync.dev/core/crypto"
	"netsync.dev/core/keystore"
	"netsync.dev/core/netsync"
	"netsync.dev/core/policy"
	"netsync.dev/core/store"
)

var prov = crypto.StdProvider{}

func hashFn(b []byte) [20]byte { return [20]byte(prov.Hash(b)) }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{
		Hash:  hashFn,
		Apply: prov.Apply,
		Delta: prov.Delta,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func genRSAKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// reactorPair wires up two real Reactors, each with its own Arena and
// Store, joined by a net.Pipe, and drives the handshake through Register
// plus SendGreet on the server side the way reactor.Serve would.
type reactorPair struct {
	serverRx, clientRx         *Reactor
	serverStore, clientStore   *store.Store
	serverHandle, clientHandle Handle
	serverEntry, clientEntry   *entry
}

func newReactorPair(t *testing.T, anonymous bool, serverPolicy, clientPolicy policy.Policy, seed func(clientStore *store.Store)) reactorPair {
	t.Helper()

	serverPriv, serverPub := genRSAKey(t)
	clientPriv, clientPub := genRSAKey(t)

	serverKS := keystore.New()
	if _, err := serverKS.Add("server", serverPub, serverPriv); err != nil {
		t.Fatalf("serverKS.Add: %v", err)
	}
	clientKeyID, err := serverKS.Add("client", clientPub, nil)
	if err != nil {
		t.Fatalf("serverKS.Add(client): %v", err)
	}

	clientKS := keystore.New()
	if _, err := clientKS.Add("client", clientPub, clientPriv); err != nil {
		t.Fatalf("clientKS.Add: %v", err)
	}

	serverStore := openTestStore(t)
	clientStore := openTestStore(t)
	if seed != nil {
		seed(clientStore)
	}

	serverCfg := netsync.Config{
		Crypto: prov, Keystore: serverKS, Policy: serverPolicy, Store: serverStore,
		MinVersion: 1, MaxVersion: 1, OwnKeyName: "server",
	}
	clientCfg := netsync.Config{
		Crypto: prov, Keystore: clientKS, Policy: clientPolicy, Store: clientStore,
		MinVersion: 1, MaxVersion: 1,
	}

	serverSess := netsync.NewServerSession(serverCfg)
	clientSess := netsync.NewClientSession(clientCfg, netsync.ClientAuth{
		Role: netsync.RoleSourceSink, OwnKeyID: clientKeyID, Anonymous: anonymous,
	})

	serverConn, clientConn := net.Pipe()

	serverArena := NewArena(Options{})
	clientArena := NewArena(Options{})
	serverRx := NewReactor(serverArena, serverStore, testLogger())
	clientRx := NewReactor(clientArena, clientStore, testLogger())

	ctx := context.Background()
	sh, err := serverRx.Register(ctx, serverSess, serverConn)
	if err != nil {
		t.Fatalf("server Register: %v", err)
	}
	ch, err := clientRx.Register(ctx, clientSess, clientConn)
	if err != nil {
		t.Fatalf("client Register: %v", err)
	}
	se, _ := serverArena.get(sh)
	ce, _ := clientArena.get(ch)

	go serverRx.Run(ctx)
	go clientRx.Run(ctx)
	serverRx.SendGreet(sh)

	return reactorPair{
		serverRx: serverRx, clientRx: clientRx,
		serverStore: serverStore, clientStore: clientStore,
		serverHandle: sh, clientHandle: ch,
		serverEntry: se, clientEntry: ce,
	}
}

// awaitConfirmed polls until both sessions have been torn down by their
// reactors (the arena entry for each is gone once State reaches Confirmed),
// or fails the test once deadline elapses.
func (p reactorPair) awaitConfirmed(t *testing.T, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if p.serverRx.arena.Len() == 0 && p.clientRx.arena.Len() == 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sessions did not confirm within %s (server sessions=%d client sessions=%d)",
		deadline, p.serverRx.arena.Len(), p.clientRx.arena.Len())
}

func TestReactorEmptyPullConverges(t *testing.T) {
	p := newReactorPair(t, true, policy.AllowAll{}, policy.AllowAll{}, nil)
	p.awaitConfirmed(t, 2*time.Second)

	if p.serverEntry.session.Failed() != nil {
		t.Fatalf("server failed: %v", p.serverEntry.session.Failed())
	}
	if p.clientEntry.session.Failed() != nil {
		t.Fatalf("client failed: %v", p.clientEntry.session.Failed())
	}
	if p.serverEntry.session.State != netsync.StateConfirmed {
		t.Fatalf("server state = %v, want confirmed", p.serverEntry.session.State)
	}
	if p.clientEntry.session.State != netsync.StateConfirmed {
		t.Fatalf("client state = %v, want confirmed", p.clientEntry.session.State)
	}
}

func TestReactorOneRevisionPushTransfersFileAndRevision(t *testing.T) {
	revBlob := []byte("a revision record long enough to not matter for this test")
	fileBlob := []byte("file content that goes along with the revision above")
	revID := hashFn(revBlob)
	fileID := hashFn(fileBlob)

	p := newReactorPair(t, false, policy.AllowAll{}, policy.AllowAll{}, func(clientStore *store.Store) {
		if err := clientStore.PutFull(store.CategoryRevision, revID, revBlob); err != nil {
			t.Fatalf("seed revision: %v", err)
		}
		if err := clientStore.PutFull(store.CategoryFile, fileID, fileBlob); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	})

	p.awaitConfirmed(t, 5*time.Second)

	if p.serverEntry.session.Failed() != nil {
		t.Fatalf("server failed: %v", p.serverEntry.session.Failed())
	}
	if p.clientEntry.session.Failed() != nil {
		t.Fatalf("client failed: %v", p.clientEntry.session.Failed())
	}

	gotRev, err := p.serverStore.Get(store.CategoryRevision, revID)
	if err != nil {
		t.Fatalf("server missing revision after sync: %v", err)
	}
	if string(gotRev) != string(revBlob) {
		t.Fatalf("server revision content mismatch")
	}
	gotFile, err := p.serverStore.Get(store.CategoryFile, fileID)
	if err != nil {
		t.Fatalf("server missing file after sync: %v", err)
	}
	if string(gotFile) != string(fileBlob) {
		t.Fatalf("server file content mismatch")
	}
}

func TestArenaRejectsOverCapacity(t *testing.T) {
	a := NewArena(Options{MaxSessions: 1})
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if _, err := a.Add(nil, c1, func() {}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := a.Add(nil, c2, func() {}); err == nil {
		t.Fatalf("expected second Add to fail at capacity")
	}
}
