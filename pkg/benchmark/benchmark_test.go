package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/loov/hrtime"
	"github.com/stretchr/testify/require"

	"github.com/thephez/yappr-sub006/pkg/crypto"
	"github.com/thephez/yappr-sub006/pkg/feed"
	"github.com/thephez/yappr-sub006/pkg/ledger"
)

var numberOfExperiments = 200

func createFeed(t *testing.T, capacity int, maxEpoch uint32) (*feed.Owner, *ledger.Memory) {
	led := ledger.NewMemory()
	keys, err := crypto.GenerateKeyPair()
	require.Nil(t, err)

	owner, err := feed.CreateFeed(context.Background(), feed.Config{
		OwnerID:  "bench-owner",
		Capacity: capacity,
		MaxEpoch: maxEpoch,
		Ledger:   led,
	}, keys)
	require.Nil(t, err)
	return owner, led
}

func grantFollower(t *testing.T, owner *feed.Owner, name string) *feed.Follower {
	kp, err := crypto.GenerateKeyPair()
	require.Nil(t, err)
	g, err := owner.Grant(context.Background(), name, kp.Public)
	require.Nil(t, err)
	f, err := feed.OpenGrant(g, kp.Private, nil)
	require.Nil(t, err)
	return f
}

func TestBenchmarkGrant(t *testing.T) {
	owner, _ := createFeed(t, 1024, 4)
	kp, err := crypto.GenerateKeyPair()
	require.Nil(t, err)

	bench := hrtime.NewBenchmark(numberOfExperiments)
	for i := 0; bench.Next(); i++ {
		_, err := owner.Grant(context.Background(), fmt.Sprintf("follower%v", i), kp.Public)
		require.Nil(t, err, "Grant %v should succeed", i)
	}
	fmt.Println("Grant (capacity 1024):")
	fmt.Println(bench.Histogram(10))
}

func TestBenchmarkRevoke(t *testing.T) {
	owner, _ := createFeed(t, 1024, uint32(numberOfExperiments)+8)
	for i := 0; i < numberOfExperiments; i++ {
		grantFollower(t, owner, fmt.Sprintf("follower%v", i))
	}

	bench := hrtime.NewBenchmark(numberOfExperiments)
	for i := 0; bench.Next(); i++ {
		_, err := owner.Revoke(context.Background(), fmt.Sprintf("follower%v", i))
		require.Nil(t, err, "Revoke %v should succeed", i)
	}
	fmt.Println("Revoke (capacity 1024, depth 10):")
	fmt.Println(bench.Histogram(10))
}

func TestBenchmarkCatchUp(t *testing.T) {
	revocations := 64
	owner, led := createFeed(t, 256, uint32(revocations)+8)

	survivor := grantFollower(t, owner, "survivor")
	for i := 0; i < revocations; i++ {
		grantFollower(t, owner, fmt.Sprintf("victim%v", i))
	}
	for i := 0; i < revocations; i++ {
		_, err := owner.Revoke(context.Background(), fmt.Sprintf("victim%v", i))
		require.Nil(t, err)
	}
	target := owner.CurrentEpoch()

	// Each experiment replays the full catch-up from a fresh epoch-1 cache.
	base := survivor.Snapshot()
	bench := hrtime.NewBenchmark(numberOfExperiments)
	for bench.Next() {
		f := feed.RestoreFollower(base, nil)
		err := f.CatchUp(context.Background(), led, target)
		require.Nil(t, err, "survivor should catch up through %v rekeys", revocations)
	}
	fmt.Printf("Catch-up through %v rekey documents:\n", revocations)
	fmt.Println(bench.Histogram(10))
}

func TestBenchmarkDecryptPost(t *testing.T) {
	owner, led := createFeed(t, 256, 8)
	reader := grantFollower(t, owner, "reader")

	post, err := owner.PublishPost(context.Background(), []byte("benchmark post body"))
	require.Nil(t, err)

	bench := hrtime.NewBenchmark(numberOfExperiments)
	for bench.Next() {
		_, err := reader.DecryptPost(context.Background(), led, post)
		require.Nil(t, err)
	}
	fmt.Println("DecryptPost (cached epoch):")
	fmt.Println(bench.Histogram(10))
}
