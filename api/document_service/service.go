// Package documentservice exposes a kv.Store over gRPC so that several
// transaction clients can share one store process. Requests and replies are
// Go structs encoded as JSON by a codec registered under the "json" content
// subtype.
package documentservice

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	serviceName = "gojotxn.store.v1.DocumentStore"
	codecName   = "json"
)

// jsonCodec is registered under the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type GetRequest struct {
	Key           string `json:"key"`
	AccessDeleted bool   `json:"access_deleted,omitempty"`
}

type Document struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Xattr   []byte `json:"xattr,omitempty"`
	Cas     uint64 `json:"cas"`
	Deleted bool   `json:"deleted,omitempty"`
}

// WriteRequest carries Insert and Replace. Cas is ignored by Insert.
type WriteRequest struct {
	Key        string `json:"key"`
	Value      []byte `json:"value,omitempty"`
	Xattr      []byte `json:"xattr,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	Cas        uint64 `json:"cas,omitempty"`
	Durability string `json:"durability,omitempty"`
}

type RemoveRequest struct {
	Key        string `json:"key"`
	Cas        uint64 `json:"cas,omitempty"`
	Durability string `json:"durability,omitempty"`
}

type WriteReply struct {
	Cas uint64 `json:"cas"`
}

type ScanRequest struct {
	Prefix string `json:"prefix"`
}

type ScanReply struct {
	Documents []*Document `json:"documents"`
}

// DocumentStoreServer is the server API for the DocumentStore service.
type DocumentStoreServer interface {
	Get(context.Context, *GetRequest) (*Document, error)
	Insert(context.Context, *WriteRequest) (*WriteReply, error)
	Replace(context.Context, *WriteRequest) (*WriteReply, error)
	Remove(context.Context, *RemoveRequest) (*WriteReply, error)
	Scan(context.Context, *ScanRequest) (*ScanReply, error)
}

func fullMethod(name string) string { return "/" + serviceName + "/" + name }

// unaryMethod builds the method descriptor protoc would otherwise generate.
func unaryMethod[Req any, Resp any](name string, call func(DocumentStoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DocumentStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(DocumentStoreServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DocumentStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Get", DocumentStoreServer.Get),
		unaryMethod("Insert", DocumentStoreServer.Insert),
		unaryMethod("Replace", DocumentStoreServer.Replace),
		unaryMethod("Remove", DocumentStoreServer.Remove),
		unaryMethod("Scan", DocumentStoreServer.Scan),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "document_store",
}

// RegisterDocumentStoreServer registers srv on s.
func RegisterDocumentStoreServer(s grpc.ServiceRegistrar, srv DocumentStoreServer) {
	s.RegisterService(&serviceDesc, srv)
}
