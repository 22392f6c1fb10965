package dgraph

import (
	"context"

	"github.com/dgraph-io/dgo/v200"
	"github.com/dgraph-io/dgo/v200/protos/api"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Querier runs a read-only DQL query and returns its json result.
type Querier interface {
	Query(ctx context.Context, q string) ([]byte, error)
}

// Client is a read-only dGraph client.
type Client struct {
	conn *grpc.ClientConn
	dg   *dgo.Dgraph
}

// Open connecting to dGraph.
func Open(rpcAddr string) (*Client, error) {
	conn, err := grpc.Dial(rpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial dgraph %s", rpcAddr)
	}

	dc := api.NewDgraphClient(conn)
	return &Client{conn: conn, dg: dgo.NewDgraphClient(dc)}, nil
}

func (c *Client) Query(ctx context.Context, q string) ([]byte, error) {
	resp, err := c.dg.NewReadOnlyTxn().BestEffort().Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return resp.Json, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
