package documentservice

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/kv"
	"github.com/sushant-115/gojotxn/pkg/tlsconfig"
)

// Client is a kv.Store backed by a remote DocumentStore service.
type Client struct {
	conn   *grpc.ClientConn
	owned  bool
	logger *zap.Logger
}

var _ kv.Store = (*Client)(nil)
var _ kv.Scanner = (*Client)(nil)

// Dial connects to the service at addr, over mutual TLS when tlsCfg is
// enabled.
func Dial(addr string, tlsCfg tlsconfig.Config, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if tlsCfg.Enabled {
		tc, err := tlsconfig.LoadClientTLSConfig(tlsCfg)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tc)
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", addr, err)
	}
	c := NewClient(conn, logger)
	c.owned = true
	return c, nil
}

// NewClient wraps an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger.Named("document_client")}
}

func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) error {
	err := c.conn.Invoke(ctx, fullMethod(method), req, reply, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

func (c *Client) Get(ctx context.Context, key string, opts kv.GetOptions) (*kv.Document, error) {
	var reply Document
	if err := c.invoke(ctx, "Get", &GetRequest{Key: key, AccessDeleted: opts.AccessDeleted}, &reply); err != nil {
		return nil, err
	}
	return reply.toDocument(), nil
}

func (c *Client) Insert(ctx context.Context, key string, m kv.Mutation, opts kv.WriteOptions) (kv.Cas, error) {
	req := &WriteRequest{Key: key, Value: m.Value, Xattr: m.Xattr, Deleted: m.Deleted, Durability: opts.Durability.String()}
	var reply WriteReply
	if err := c.invoke(ctx, "Insert", req, &reply); err != nil {
		return 0, err
	}
	return kv.Cas(reply.Cas), nil
}

func (c *Client) Replace(ctx context.Context, key string, m kv.Mutation, cas kv.Cas, opts kv.WriteOptions) (kv.Cas, error) {
	req := &WriteRequest{Key: key, Value: m.Value, Xattr: m.Xattr, Deleted: m.Deleted, Cas: uint64(cas), Durability: opts.Durability.String()}
	var reply WriteReply
	if err := c.invoke(ctx, "Replace", req, &reply); err != nil {
		return 0, err
	}
	return kv.Cas(reply.Cas), nil
}

func (c *Client) Remove(ctx context.Context, key string, cas kv.Cas, opts kv.WriteOptions) error {
	var reply WriteReply
	return c.invoke(ctx, "Remove", &RemoveRequest{Key: key, Cas: uint64(cas), Durability: opts.Durability.String()}, &reply)
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]*kv.Document, error) {
	var reply ScanReply
	if err := c.invoke(ctx, "Scan", &ScanRequest{Prefix: prefix}, &reply); err != nil {
		return nil, err
	}
	docs := make([]*kv.Document, 0, len(reply.Documents))
	for _, d := range reply.Documents {
		docs = append(docs, d.toDocument())
	}
	return docs, nil
}

func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var base error
	switch st.Code() {
	case codes.NotFound:
		base = kv.ErrDocNotFound
	case codes.AlreadyExists:
		base = kv.ErrDocExists
	case codes.Aborted:
		base = kv.ErrCasMismatch
	case codes.DeadlineExceeded:
		// A write that timed out may still have been applied.
		base = kv.ErrTimeout
	case codes.Unavailable:
		base = kv.ErrUnavailable
	case codes.InvalidArgument:
		base = kv.ErrInvalidDurability
	case codes.Canceled:
		base = context.Canceled
	default:
		return err
	}
	return fmt.Errorf("%w: %s", base, st.Message())
}
