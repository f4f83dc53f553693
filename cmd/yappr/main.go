// Command yappr runs a self-contained demonstration of the private-feed key
// management flow against an in-memory ledger: feed creation, follower
// grants, encrypted posts, a revocation, and the survivors' catch-up.
package main

import (
	"context"
	"flag"
	"fmt"
	goLog "log"
	"os"
	"path/filepath"

	"github.com/thephez/yappr-sub006/pkg/crypto"
	"github.com/thephez/yappr-sub006/pkg/feed"
	"github.com/thephez/yappr-sub006/pkg/ledger"
	"github.com/thephez/yappr-sub006/pkg/log"
	"github.com/thephez/yappr-sub006/pkg/stores"
)

func main() {
	capacity := flag.Int("capacity", 8, "leaf slots in the key tree (power of two)")
	maxEpoch := flag.Uint("maxepoch", 64, "precomputed epoch chain length")
	followers := flag.Int("followers", 4, "followers to grant")
	dataDir := flag.String("data", "", "state directory (default: temporary)")
	logLevel := flag.String("loglevel", "INFO", "log level: ERROR, WARNING, NOTICE, INFO, DEBUG")
	flag.Parse()

	backend, err := log.New("", *logLevel, false)
	if err != nil {
		goLog.Fatalf("failed to set up logging: %v", err)
	}

	dir := *dataDir
	if dir == "" {
		dir, err = os.MkdirTemp("", "yappr-demo")
		if err != nil {
			goLog.Fatalf("failed to create data dir: %v", err)
		}
		defer os.RemoveAll(dir)
	}

	store, err := stores.OpenBolt(filepath.Join(dir, "state.db"))
	if err != nil {
		goLog.Fatalf("failed to open state store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	led := ledger.NewMemory()

	ownerKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		goLog.Fatalf("failed to generate owner keys: %v", err)
	}

	owner, err := feed.CreateFeed(ctx, feed.Config{
		OwnerID:  "demo-owner",
		Capacity: *capacity,
		MaxEpoch: uint32(*maxEpoch),
		Ledger:   led,
		Log:      backend.GetLogger("feed/owner"),
	}, ownerKeys)
	if err != nil {
		goLog.Fatalf("failed to create feed: %v", err)
	}

	readers := make(map[string]*feed.Follower)
	for i := 0; i < *followers; i++ {
		name := fmt.Sprintf("follower%d", i)
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			goLog.Fatalf("failed to generate keys for %s: %v", name, err)
		}
		grant, err := owner.Grant(ctx, name, kp.Public)
		if err != nil {
			goLog.Fatalf("grant for %s failed: %v", name, err)
		}
		readers[name], err = feed.OpenGrant(grant, kp.Private, backend.GetLogger("feed/follower"))
		if err != nil {
			goLog.Fatalf("%s could not open grant: %v", name, err)
		}
	}

	if _, err := owner.PublishPost(ctx, []byte("first private post")); err != nil {
		goLog.Fatalf("publish failed: %v", err)
	}

	victim := "follower1"
	if _, err := owner.Revoke(ctx, victim); err != nil {
		goLog.Fatalf("revoke failed: %v", err)
	}

	if _, err := owner.PublishPost(ctx, []byte("post after revocation")); err != nil {
		goLog.Fatalf("publish failed: %v", err)
	}

	if err := store.SaveOwner(owner.Snapshot()); err != nil {
		goLog.Fatalf("saving owner state: %v", err)
	}

	posts, err := led.Posts(ctx, owner.OwnerID())
	if err != nil {
		goLog.Fatalf("fetching posts: %v", err)
	}

	for name, reader := range readers {
		fmt.Printf("%s (leaf slot %d):\n", name, reader.LeafSlot())
		for i, post := range posts {
			plaintext, err := reader.DecryptPost(ctx, led, post)
			if err != nil {
				fmt.Printf("  post %d (epoch %d): locked\n", i, post.Epoch)
				continue
			}
			fmt.Printf("  post %d (epoch %d): %s\n", i, post.Epoch, plaintext)
		}
		if err := store.SaveFollower(reader.Snapshot()); err != nil {
			goLog.Fatalf("saving follower cache: %v", err)
		}
	}

	fmt.Printf("feed at epoch %d with %d active followers; %s is locked out\n",
		owner.CurrentEpoch(), owner.Followers(), victim)
}
