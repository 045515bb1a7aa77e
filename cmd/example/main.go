// Command example wires a Loader over a Redis keystore and a zap logger,
// then drives a handful of Load calls against it.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	nwloader "github.com/longbill/nw-loader"
	rediskv "github.com/longbill/nw-loader/keystore/redis"
	zaplog "github.com/longbill/nw-loader/log/zap"
	"github.com/longbill/nw-loader/mirror/ristretto"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func main() {
	ctx := context.Background()

	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:6379"})
	store, err := rediskv.New(rediskv.Config{Client: rdb, CloseClient: true})
	if err != nil {
		log.Fatalf("keystore: %v", err)
	}
	defer store.Close(ctx)

	zl, _ := zap.NewProduction()
	defer zl.Sync()

	mir, err := ristretto.New(ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		log.Fatalf("mirror: %v", err)
	}
	defer mir.Close()

	var fetchCount int
	fetchUser := func(_ context.Context, args ...any) (User, error) {
		fetchCount++
		id, _ := args[0].(string)
		return User{ID: id, Name: "user-" + id}, nil
	}

	ld, err := nwloader.New[User]("user", fetchUser, nwloader.Options[User]{
		Store:  store,
		TTL:    5 * time.Second,
		Logger: zaplog.Logger{L: zl},
		Mirror: mir,
	})
	if err != nil {
		log.Fatalf("loader: %v", err)
	}

	for i := 0; i < 3; i++ {
		u, err := ld.Load(ctx, "42")
		if err != nil {
			log.Fatalf("load: %v", err)
		}
		fmt.Printf("load #%d: %+v (loader invoked %d times)\n", i, u, fetchCount)
		time.Sleep(200 * time.Millisecond)
	}
}
