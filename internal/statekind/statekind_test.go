package statekind

import (
	"context"
	"testing"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht/memdht"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
)

func mustIdentity(t *testing.T, node string) identity.Identity {
	t.Helper()
	id, err := identity.Generate(node, time.Now().Unix())
	if err != nil {
		t.Fatalf("Generate(%s): %v", node, err)
	}
	return id
}

func TestSingleWriterPublishFetchRoundTrip(t *testing.T) {
	owner := mustIdentity(t, "owner")
	store := memdht.New(owner.ValueID())
	cc := corectx.New(owner, store)

	entries := []ContactListEntry{
		{Fingerprint: "abc123", Nickname: "Alice", AddedAt: 1000},
		{Fingerprint: "def456", Nickname: "Bob", AddedAt: 2000},
	}
	now := time.Now()

	if err := ContactList.Publish(context.Background(), cc, "owner:contactlist", owner.KEMPub, entries, now); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := ContactList.Fetch(context.Background(), cc, "owner:contactlist", owner.KEMPriv, owner.SignPub, now, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 2 || got[0].Nickname != "Alice" || got[1].Nickname != "Bob" {
		t.Fatalf("unexpected entries: %+v", got)
	}
}

func TestSingleWriterFetchRejectsForeignSigner(t *testing.T) {
	owner := mustIdentity(t, "owner")
	impostor := mustIdentity(t, "impostor")
	store := memdht.New(owner.ValueID())
	cc := corectx.New(owner, store)

	now := time.Now()
	if err := AddressBook.Publish(context.Background(), cc, "owner:addressbook", owner.KEMPub, []AddressBookEntry{{Address: "x", Label: "y"}}, now); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if _, err := AddressBook.Fetch(context.Background(), cc, "owner:addressbook", owner.KEMPriv, impostor.SignPub, now, false); err == nil {
		t.Fatalf("expected signature verification failure against the wrong signer")
	}
}

func TestMultiWriterPublishFetchAllMergesWriters(t *testing.T) {
	groupID := "11111111-1111-1111-1111-111111111111"
	day := int64(20260731)
	baseKey := GroupDayOutboxKey(groupID, day)

	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")
	store := memdht.New(alice.ValueID())

	ccAlice := corectx.New(alice, store)
	ccBob := corectx.New(bob, store)

	if err := GroupDayOutbox.Publish(context.Background(), ccAlice, baseKey, GroupDayOutboxEntry{MessageID: "m1", TimestampMS: 100, Ciphertext: []byte("hi")}); err != nil {
		t.Fatalf("alice Publish: %v", err)
	}
	if err := GroupDayOutbox.Publish(context.Background(), ccBob, baseKey, GroupDayOutboxEntry{MessageID: "m2", TimestampMS: 200, Ciphertext: []byte("yo")}); err != nil {
		t.Fatalf("bob Publish: %v", err)
	}

	all, err := GroupDayOutbox.FetchAll(context.Background(), ccAlice, baseKey)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 merged entries, got %d: %+v", len(all), all)
	}
	if all[0].MessageID != "m1" || all[1].MessageID != "m2" {
		t.Fatalf("expected send-order merge, got %+v", all)
	}
}

func TestIdentityBackupPublishFetchRoundTrip(t *testing.T) {
	owner := mustIdentity(t, "owner")
	store := memdht.New(owner.ValueID())
	cc := corectx.New(owner, store)

	exported, err := identity.Export(owner)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	var backup IdentityBackup
	now := time.Now()
	if err := backup.Publish(context.Background(), cc, owner.Fingerprint(), owner.KEMPub, exported, now); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recovered, err := backup.Fetch(context.Background(), cc, owner.Fingerprint(), owner.KEMPriv)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if recovered.Fingerprint() != owner.Fingerprint() {
		t.Fatalf("recovered fingerprint mismatch: got %s want %s", recovered.Fingerprint(), owner.Fingerprint())
	}
}
