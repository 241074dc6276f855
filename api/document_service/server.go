package documentservice

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/kv"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/tlsconfig"
)

// Server implements DocumentStoreServer on top of a local kv.Store.
type Server struct {
	store  kv.Store
	logger *zap.Logger
}

var _ DocumentStoreServer = (*Server)(nil)

// NewServer creates a Server for store.
func NewServer(store kv.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, logger: logger.Named("document_service")}
}

func (s *Server) Get(ctx context.Context, req *GetRequest) (*Document, error) {
	doc, err := s.store.Get(ctx, req.Key, kv.GetOptions{AccessDeleted: req.AccessDeleted})
	if err != nil {
		return nil, toStatus(err)
	}
	return fromDocument(doc), nil
}

func (s *Server) Insert(ctx context.Context, req *WriteRequest) (*WriteReply, error) {
	opts, err := writeOptions(req.Durability)
	if err != nil {
		return nil, err
	}
	cas, err := s.store.Insert(ctx, req.Key, req.mutation(), opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WriteReply{Cas: uint64(cas)}, nil
}

func (s *Server) Replace(ctx context.Context, req *WriteRequest) (*WriteReply, error) {
	opts, err := writeOptions(req.Durability)
	if err != nil {
		return nil, err
	}
	cas, err := s.store.Replace(ctx, req.Key, req.mutation(), kv.Cas(req.Cas), opts)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WriteReply{Cas: uint64(cas)}, nil
}

func (s *Server) Remove(ctx context.Context, req *RemoveRequest) (*WriteReply, error) {
	opts, err := writeOptions(req.Durability)
	if err != nil {
		return nil, err
	}
	if err := s.store.Remove(ctx, req.Key, kv.Cas(req.Cas), opts); err != nil {
		return nil, toStatus(err)
	}
	return &WriteReply{}, nil
}

func (s *Server) Scan(ctx context.Context, req *ScanRequest) (*ScanReply, error) {
	sc, ok := s.store.(kv.Scanner)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "store does not support scans")
	}
	docs, err := sc.Scan(ctx, req.Prefix)
	if err != nil {
		return nil, toStatus(err)
	}
	reply := &ScanReply{Documents: make([]*Document, 0, len(docs))}
	for _, d := range docs {
		reply.Documents = append(reply.Documents, fromDocument(d))
	}
	return reply, nil
}

// NewGRPCServer builds a grpc.Server with the service's interceptors and,
// when tlsCfg is enabled, mutual TLS. metrics may be nil.
func NewGRPCServer(tlsCfg tlsconfig.Config, metrics *internaltelemetry.GrpcServerMetrics, logger *zap.Logger) (*grpc.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(logger.Named("grpc"))}
	if metrics != nil {
		interceptors = append([]grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor()}, interceptors...)
	}
	opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}
	if tlsCfg.Enabled {
		tc, err := tlsconfig.LoadServerTLSConfig(tlsCfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tc)))
	}
	return grpc.NewServer(opts...), nil
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if code == codes.Internal || code == codes.Unknown {
			logger.Warn("rpc failed", zap.String("method", info.FullMethod), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		} else {
			logger.Debug("rpc handled", zap.String("method", info.FullMethod), zap.Stringer("code", code), zap.Duration("elapsed", time.Since(start)))
		}
		return resp, err
	}
}

func writeOptions(durability string) (kv.WriteOptions, error) {
	d, err := kv.ParseDurability(durability)
	if err != nil {
		return kv.WriteOptions{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return kv.WriteOptions{Durability: d}, nil
}

func (r *WriteRequest) mutation() kv.Mutation {
	return kv.Mutation{Value: r.Value, Xattr: r.Xattr, Deleted: r.Deleted}
}

func fromDocument(d *kv.Document) *Document {
	return &Document{Key: d.Key, Value: d.Value, Xattr: d.Xattr, Cas: uint64(d.Cas), Deleted: d.Deleted}
}

func (d *Document) toDocument() *kv.Document {
	return &kv.Document{Key: d.Key, Value: d.Value, Xattr: d.Xattr, Cas: kv.Cas(d.Cas), Deleted: d.Deleted}
}

// toStatus maps store errors onto gRPC codes; fromStatus is its inverse.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, kv.ErrDocNotFound):
		code = codes.NotFound
	case errors.Is(err, kv.ErrDocExists):
		code = codes.AlreadyExists
	case errors.Is(err, kv.ErrCasMismatch):
		code = codes.Aborted
	case errors.Is(err, kv.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, kv.ErrClosed):
		code = codes.Unavailable
	case errors.Is(err, kv.ErrInvalidDurability):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
