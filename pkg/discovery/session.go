package discovery

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	reflectionv1alpha "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// errReflectionUnsupported is returned when a backend implements neither
// reflection protocol version.
var errReflectionUnsupported = errors.New("server reflection is not supported by the backend")

// session is one reflection stream. It speaks v1 and falls back to v1alpha
// when the backend answers the first request with Unimplemented.
type session struct {
	ctx    context.Context
	cc     grpc.ClientConnInterface
	stream reflectionStream
	alpha  bool
	sent   int
}

type reflectionStream interface {
	Send(*reflectionv1.ServerReflectionRequest) error
	Recv() (*reflectionv1.ServerReflectionResponse, error)
	CloseSend() error
}

func newSession(ctx context.Context, cc grpc.ClientConnInterface) *session {
	return &session{ctx: ctx, cc: cc}
}

func (s *session) open() error {
	if s.alpha {
		st, err := reflectionv1alpha.NewServerReflectionClient(s.cc).ServerReflectionInfo(s.ctx)
		if err != nil {
			return err
		}
		s.stream = alphaStream{st}
		return nil
	}
	st, err := reflectionv1.NewServerReflectionClient(s.cc).ServerReflectionInfo(s.ctx)
	if err != nil {
		return err
	}
	s.stream = st
	return nil
}

// roundTrip sends one request and waits for its response.
func (s *session) roundTrip(req *reflectionv1.ServerReflectionRequest) (*reflectionv1.ServerReflectionResponse, error) {
	resp, err := s.exchange(req)
	if err != nil && s.sent == 1 && !s.alpha && status.Code(err) == codes.Unimplemented {
		s.close()
		s.alpha = true
		s.stream = nil
		s.sent = 0
		resp, err = s.exchange(req)
		if status.Code(err) == codes.Unimplemented {
			return nil, errReflectionUnsupported
		}
	}
	return resp, err
}

func (s *session) exchange(req *reflectionv1.ServerReflectionRequest) (*reflectionv1.ServerReflectionResponse, error) {
	if s.stream == nil {
		if err := s.open(); err != nil {
			return nil, err
		}
	}
	s.sent++
	if err := s.stream.Send(req); err != nil {
		// The real cause of a failed send is reported by Recv.
		if _, rerr := s.stream.Recv(); rerr != nil {
			return nil, rerr
		}
		return nil, err
	}
	return s.stream.Recv()
}

func (s *session) close() {
	if s.stream != nil {
		_ = s.stream.CloseSend()
	}
}

// fileContainingSymbol asks for the file declaring symbol.
func (s *session) fileContainingSymbol(symbol string) ([]*descriptorpb.FileDescriptorProto, error) {
	resp, err := s.roundTrip(&reflectionv1.ServerReflectionRequest{
		MessageRequest: &reflectionv1.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: symbol},
	})
	if err != nil {
		return nil, err
	}
	return decodeFiles(resp)
}

// fileByName asks for a schema document by file name.
func (s *session) fileByName(name string) ([]*descriptorpb.FileDescriptorProto, error) {
	resp, err := s.roundTrip(&reflectionv1.ServerReflectionRequest{
		MessageRequest: &reflectionv1.ServerReflectionRequest_FileByFilename{FileByFilename: name},
	})
	if err != nil {
		return nil, err
	}
	return decodeFiles(resp)
}

// listServices asks for the names of every exported service.
func (s *session) listServices() ([]string, error) {
	resp, err := s.roundTrip(&reflectionv1.ServerReflectionRequest{
		MessageRequest: &reflectionv1.ServerReflectionRequest_ListServices{},
	})
	if err != nil {
		return nil, err
	}
	if e := resp.GetErrorResponse(); e != nil {
		return nil, &responseError{code: codes.Code(e.GetErrorCode()), msg: e.GetErrorMessage()}
	}
	var names []string
	for _, svc := range resp.GetListServicesResponse().GetService() {
		names = append(names, svc.GetName())
	}
	return names, nil
}

// responseError is an error reported inside a reflection response.
type responseError struct {
	code codes.Code
	msg  string
}

func (e *responseError) Error() string {
	return fmt.Sprintf("reflection error %s: %s", e.code, e.msg)
}

func decodeFiles(resp *reflectionv1.ServerReflectionResponse) ([]*descriptorpb.FileDescriptorProto, error) {
	if e := resp.GetErrorResponse(); e != nil {
		return nil, &responseError{code: codes.Code(e.GetErrorCode()), msg: e.GetErrorMessage()}
	}
	fdr := resp.GetFileDescriptorResponse()
	if fdr == nil {
		return nil, errors.New("unexpected reflection response")
	}
	files := make([]*descriptorpb.FileDescriptorProto, 0, len(fdr.GetFileDescriptorProto()))
	for _, raw := range fdr.GetFileDescriptorProto() {
		fd := new(descriptorpb.FileDescriptorProto)
		if err := proto.Unmarshal(raw, fd); err != nil {
			return nil, fmt.Errorf("malformed schema document: %w", err)
		}
		files = append(files, fd)
	}
	return files, nil
}

// alphaStream adapts a v1alpha stream to the v1 message types. The two
// versions are wire-identical.
type alphaStream struct {
	st reflectionv1alpha.ServerReflection_ServerReflectionInfoClient
}

func (a alphaStream) Send(req *reflectionv1.ServerReflectionRequest) error {
	raw, err := proto.Marshal(req)
	if err != nil {
		return err
	}
	out := new(reflectionv1alpha.ServerReflectionRequest)
	if err := proto.Unmarshal(raw, out); err != nil {
		return err
	}
	return a.st.Send(out)
}

func (a alphaStream) Recv() (*reflectionv1.ServerReflectionResponse, error) {
	resp, err := a.st.Recv()
	if err != nil {
		return nil, err
	}
	raw, err := proto.Marshal(resp)
	if err != nil {
		return nil, err
	}
	out := new(reflectionv1.ServerReflectionResponse)
	if err := proto.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a alphaStream) CloseSend() error {
	return a.st.CloseSend()
}
