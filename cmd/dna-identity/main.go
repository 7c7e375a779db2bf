// dna-identity is a small wrapper around internal/identity and the
// identity-backup kind for generating, backing up and recovering a
// DHT identity at the standard per-user backup path. The on-disk
// backup is always the sealed self-encrypted blob, never raw key
// material.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht/wstransport"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
	"github.com/kindlyrobotics/dnaclient/internal/selfenc"
	"github.com/kindlyrobotics/dnaclient/internal/statekind"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "generate":
		cmdGenerate(os.Args[2:])
	case "recover":
		cmdRecover(os.Args[2:])
	case "export":
		cmdExport(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dna-identity <generate|recover|export> [flags]")
}

// identityPath is the per-user backup file convention:
// <home>/.dna/<fingerprint>_dht_identity.enc.
func identityPath(fingerprint string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("dna-identity: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".dna", fingerprint+"_dht_identity.enc"), nil
}

func parseSeed(s string) ([]byte, error) {
	seed, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("dna-identity: -seed must be hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("dna-identity: -seed must decode to 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

func cmdGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	node := fs.String("node", "dna-identity-cli", "node name recorded in the identity certificate")
	seedHex := fs.String("seed", "", "optional 32-byte hex seed for deterministic generation")
	dhtURL := fs.String("dht", "", "optional websocket DHT endpoint to publish the backup to (ws://host:port/path)")
	fs.Parse(args)

	now := time.Now()
	var id identity.Identity
	var err error
	if *seedHex != "" {
		seed, serr := parseSeed(*seedHex)
		if serr != nil {
			log.Fatalf("[dna-identity] %v", serr)
		}
		id, err = identity.GenerateFromSeed(seed, *node, now.Unix())
	} else {
		id, err = identity.Generate(*node, now.Unix())
	}
	if err != nil {
		log.Fatalf("[dna-identity] generate failed: %v", err)
	}
	defer identity.Free(&id)

	exported, err := identity.Export(id)
	if err != nil {
		log.Fatalf("[dna-identity] export failed: %v", err)
	}

	// The local file carries the sealed blob only, encrypted to the
	// identity's own KEM key; raw key material never touches disk.
	sealed, err := selfenc.Encrypt(id.KEMPub, id.SignPriv, exported, now.Unix())
	if err != nil {
		log.Fatalf("[dna-identity] sealing backup: %v", err)
	}

	path, err := identityPath(id.Fingerprint())
	if err != nil {
		log.Fatalf("[dna-identity] %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		log.Fatalf("[dna-identity] creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, sealed.Ciphertext, 0o600); err != nil {
		log.Fatalf("[dna-identity] writing %s: %v", path, err)
	}

	if *dhtURL != "" {
		store, err := wstransport.Dial(*dhtURL)
		if err != nil {
			log.Fatalf("[dna-identity] connecting to DHT: %v", err)
		}
		defer store.Close()

		cc := corectx.New(id, store)
		var backup statekind.IdentityBackup
		if err := backup.Publish(context.Background(), cc, id.Fingerprint(), id.KEMPub, exported, now); err != nil {
			log.Fatalf("[dna-identity] publishing backup to DHT: %v", err)
		}
		fmt.Println("published backup to DHT")
	}

	fmt.Printf("fingerprint: %s\n", id.Fingerprint())
	fmt.Printf("wrote: %s\n", path)
}

func cmdRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	seedHex := fs.String("seed", "", "32-byte hex seed the identity was generated from")
	node := fs.String("node", "recovered-device", "node name for the seed-derived identity")
	dhtURL := fs.String("dht", "", "optional websocket DHT endpoint to fetch the backup from when no local file exists")
	fs.Parse(args)

	if *seedHex == "" {
		log.Fatalf("[dna-identity] -seed is required")
	}
	seed, err := parseSeed(*seedHex)
	if err != nil {
		log.Fatalf("[dna-identity] %v", err)
	}

	// Re-derive the keypair from the seed; its KEM private key is what
	// unlocks the sealed backup.
	id, err := identity.GenerateFromSeed(seed, *node, time.Now().Unix())
	if err != nil {
		log.Fatalf("[dna-identity] deriving identity from seed: %v", err)
	}
	defer identity.Free(&id)
	fp := id.Fingerprint()

	path, err := identityPath(fp)
	if err != nil {
		log.Fatalf("[dna-identity] %v", err)
	}

	var recovered identity.Identity
	if data, rerr := os.ReadFile(path); rerr == nil {
		plaintext, derr := selfenc.Decrypt(id.KEMPriv, data)
		if derr != nil {
			log.Fatalf("[dna-identity] decrypting %s: %v", path, derr)
		}
		recovered, err = identity.Import(plaintext)
		if err != nil {
			log.Fatalf("[dna-identity] importing %s: %v", path, err)
		}
	} else if *dhtURL != "" {
		store, derr := wstransport.Dial(*dhtURL)
		if derr != nil {
			log.Fatalf("[dna-identity] connecting to DHT: %v", derr)
		}
		defer store.Close()

		cc := corectx.New(id, store)
		var backup statekind.IdentityBackup
		recovered, err = backup.Fetch(context.Background(), cc, fp, id.KEMPriv)
		if err != nil {
			log.Fatalf("[dna-identity] fetching backup from DHT: %v", err)
		}
	} else {
		log.Fatalf("[dna-identity] reading %s: %v (pass -dht to fetch from the DHT instead)", path, rerr)
	}
	defer identity.Free(&recovered)

	if recovered.Fingerprint() != fp {
		log.Fatalf("[dna-identity] recovered fingerprint %s does not match seed-derived %s", recovered.Fingerprint(), fp)
	}
	fmt.Println(recovered.Fingerprint())
}

func cmdExport(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	fingerprint := fs.String("fingerprint", "", "fingerprint of a previously generated identity")
	fs.Parse(args)

	if *fingerprint == "" {
		log.Fatalf("[dna-identity] -fingerprint is required")
	}
	if err := identity.ValidateFingerprint(*fingerprint); err != nil {
		log.Fatalf("[dna-identity] invalid fingerprint: %v", err)
	}

	path, err := identityPath(*fingerprint)
	if err != nil {
		log.Fatalf("[dna-identity] %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("[dna-identity] reading %s: %v", path, err)
	}
	fmt.Println(hex.EncodeToString(data))
}
