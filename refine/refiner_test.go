package refine

import (
	"crypto/sha1" //nolint:gosec
	"sort"
	"testing"
)

func hashFn(b []byte) [20]byte { return sha1.Sum(b) } //nolint:gosec

func idOf(s string) [20]byte { return hashFn([]byte(s)) }

func sortedIDs(ids [][20]byte) [][20]byte {
	out := append([][20]byte(nil), ids...)
	sort.Slice(out, func(i, j int) bool {
		for k := 0; k < 20; k++ {
			if out[i][k] != out[j][k] {
				return out[i][k] < out[j][k]
			}
		}
		return false
	})
	return out
}

// drive runs a full refinement exchange between two Refiners to completion
// (bounded iteration count as a safety net against a broken termination
// rule turning into an infinite loop during testing).
func drive(t *testing.T, client, server *Refiner) {
	t.Helper()
	var clientOutbox, serverOutbox []Msg
	clientOutbox = append(clientOutbox, client.Start())

	for i := 0; i < 10000 && (len(clientOutbox) > 0 || len(serverOutbox) > 0); i++ {
		var nextClientIn, nextServerIn []Msg
		for _, m := range clientOutbox {
			nextServerIn = append(nextServerIn, m)
		}
		for _, m := range serverOutbox {
			nextClientIn = append(nextClientIn, m)
		}
		clientOutbox, serverOutbox = nil, nil
		for _, m := range nextClientIn {
			clientOutbox = append(clientOutbox, client.Process(m)...)
		}
		for _, m := range nextServerIn {
			serverOutbox = append(serverOutbox, server.Process(m)...)
		}
	}
	if !client.Finished() || !server.Finished() {
		t.Fatalf("refinement did not converge: client.Finished=%v server.Finished=%v", client.Finished(), server.Finished())
	}
}

func TestRefinerIdenticalSetsProduceEmptySendSets(t *testing.T) {
	ids := [][20]byte{idOf("a"), idOf("b"), idOf("c"), idOf("d"), idOf("e")}
	client := New(hashFn, ids)
	server := New(hashFn, ids)
	drive(t, client, server)

	if len(client.SendSet()) != 0 {
		t.Fatalf("client send-set = %v, want empty", client.SendSet())
	}
	if len(server.SendSet()) != 0 {
		t.Fatalf("server send-set = %v, want empty", server.SendSet())
	}
}

func TestRefinerComputesSymmetricDifference(t *testing.T) {
	common := [][20]byte{idOf("a"), idOf("b"), idOf("c")}
	clientOnly := [][20]byte{idOf("client-only-1"), idOf("client-only-2")}
	serverOnly := [][20]byte{idOf("server-only-1")}

	clientIDs := append(append([][20]byte(nil), common...), clientOnly...)
	serverIDs := append(append([][20]byte(nil), common...), serverOnly...)

	client := New(hashFn, clientIDs)
	server := New(hashFn, serverIDs)
	drive(t, client, server)

	got := sortedIDs(client.SendSet())
	want := sortedIDs(clientOnly)
	if len(got) != len(want) {
		t.Fatalf("client send-set = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("client send-set = %v, want %v", got, want)
		}
	}

	gotS := sortedIDs(server.SendSet())
	wantS := sortedIDs(serverOnly)
	if len(gotS) != len(wantS) {
		t.Fatalf("server send-set = %v, want %v", gotS, wantS)
	}
	for i := range gotS {
		if gotS[i] != wantS[i] {
			t.Fatalf("server send-set = %v, want %v", gotS, wantS)
		}
	}
}

func TestRefinerEmptyLocalAgainstNonEmptyPeer(t *testing.T) {
	serverIDs := [][20]byte{idOf("x"), idOf("y"), idOf("z")}
	client := New(hashFn, nil)
	server := New(hashFn, serverIDs)
	drive(t, client, server)

	if len(client.SendSet()) != 0 {
		t.Fatalf("empty-local client should have empty send-set, got %v", client.SendSet())
	}
	got := sortedIDs(server.SendSet())
	want := sortedIDs(serverIDs)
	if len(got) != len(want) {
		t.Fatalf("server send-set = %v, want %v", got, want)
	}
}

func TestHashNodeDeterministic(t *testing.T) {
	ids := [][20]byte{idOf("1"), idOf("2"), idOf("3")}
	n1 := Build(hashFn, ids)
	n2 := Build(hashFn, append([][20]byte(nil), ids...))
	if HashNode(hashFn, n1) != HashNode(hashFn, n2) {
		t.Fatalf("HashNode not deterministic across equivalent builds")
	}
}

func TestNodeBlobRoundTrip(t *testing.T) {
	ids := [][20]byte{idOf("alpha"), idOf("beta"), idOf("gamma"), idOf("delta")}
	n := Build(hashFn, ids)
	b := EncodeNodeBlob(nil, MsgQuery, 1, n)
	kind, category, got, consumed, err := DecodeNodeBlob(b)
	if err != nil {
		t.Fatalf("DecodeNodeBlob: %v", err)
	}
	if consumed != len(b) || kind != MsgQuery || category != 1 {
		t.Fatalf("DecodeNodeBlob header mismatch: consumed=%d kind=%v category=%d", consumed, kind, category)
	}
	for i := 0; i < 16; i++ {
		if got.Slots[i].State != n.Slots[i].State || got.Slots[i].ID != n.Slots[i].ID {
			t.Fatalf("slot %d mismatch: got %+v want %+v", i, got.Slots[i], n.Slots[i])
		}
	}
}
