package testbackend

import (
	"errors"
	"io"

	"google.golang.org/grpc/codes"
	reflectionv1 "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// shallowReflection serves one file per request and never bundles
// dependencies.
type shallowReflection struct {
	reflectionv1.UnimplementedServerReflectionServer
	server *Server
}

func (r *shallowReflection) ServerReflectionInfo(stream reflectionv1.ServerReflection_ServerReflectionInfoServer) error {
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.server.reflectionRequests.Add(1)

		resp := &reflectionv1.ServerReflectionResponse{ValidHost: req.GetHost(), OriginalRequest: req}
		switch m := req.GetMessageRequest().(type) {
		case *reflectionv1.ServerReflectionRequest_FileContainingSymbol:
			d, err := r.server.schema.Registry().FindDescriptorByName(protoreflect.FullName(m.FileContainingSymbol))
			if err != nil {
				resp.MessageResponse = notFound("symbol not found: " + m.FileContainingSymbol)
				break
			}
			resp.MessageResponse, err = fileResponse(d.ParentFile())
			if err != nil {
				return err
			}
		case *reflectionv1.ServerReflectionRequest_FileByFilename:
			fd, err := r.server.schema.Registry().FindFileByPath(m.FileByFilename)
			if err != nil {
				resp.MessageResponse = notFound("file not found: " + m.FileByFilename)
				break
			}
			resp.MessageResponse, err = fileResponse(fd)
			if err != nil {
				return err
			}
		case *reflectionv1.ServerReflectionRequest_ListServices:
			list := &reflectionv1.ListServiceResponse{}
			for _, name := range r.server.schema.Services() {
				list.Service = append(list.Service, &reflectionv1.ServiceResponse{Name: name})
			}
			resp.MessageResponse = &reflectionv1.ServerReflectionResponse_ListServicesResponse{ListServicesResponse: list}
		default:
			resp.MessageResponse = &reflectionv1.ServerReflectionResponse_ErrorResponse{
				ErrorResponse: &reflectionv1.ErrorResponse{
					ErrorCode:    int32(codes.Unimplemented),
					ErrorMessage: "request not supported",
				},
			}
		}

		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

func fileResponse(fd protoreflect.FileDescriptor) (*reflectionv1.ServerReflectionResponse_FileDescriptorResponse, error) {
	b, err := proto.Marshal(protodesc.ToFileDescriptorProto(fd))
	if err != nil {
		return nil, err
	}
	return &reflectionv1.ServerReflectionResponse_FileDescriptorResponse{
		FileDescriptorResponse: &reflectionv1.FileDescriptorResponse{FileDescriptorProto: [][]byte{b}},
	}, nil
}

func notFound(msg string) *reflectionv1.ServerReflectionResponse_ErrorResponse {
	return &reflectionv1.ServerReflectionResponse_ErrorResponse{
		ErrorResponse: &reflectionv1.ErrorResponse{ErrorCode: int32(codes.NotFound), ErrorMessage: msg},
	}
}
