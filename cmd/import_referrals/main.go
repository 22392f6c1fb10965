// Command import_referrals copies the invite graph from dgraph into the
// binary tree, sponsors first.
package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"affiliate-engine/config"
	"affiliate-engine/internal/app/dgraph"
	"affiliate-engine/internal/app/engine"
	"affiliate-engine/internal/db"
)

func main() {
	config.Init()
	db.Init()

	client, err := dgraph.Open(config.Dgraph.RPCAddr)
	if err != nil {
		log.Fatalf("open d-graph failed: %v", err)
	}
	defer client.Close()

	refs, err := dgraph.ListReferrals(context.Background(), client, config.Dgraph.PageSize)
	if err != nil {
		log.Fatalf("list referrals failed: %+v", err)
	}
	log.Infof("got %d users from d-graph", len(refs))

	eng := engine.New(db.MysqlCli, config.EngineConf, nil)
	placed, skipped, err := dgraph.Import(eng, refs)
	if err != nil {
		log.Fatalf("import stopped after %d users: %+v", placed, err)
	}
	log.Infof("import done: %d placed, %d already present", placed, skipped)
}
