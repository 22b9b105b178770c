package discovery

import (
	"strings"

	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	// Link the well-known types into protoregistry.GlobalFiles.
	_ "google.golang.org/protobuf/types/known/anypb"
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/fieldmaskpb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

const wellKnownPrefix = "google/protobuf/"

// isWellKnown reports whether a schema document name is a well-known type
// file that is never fetched from backends.
func isWellKnown(name string) bool {
	return strings.HasPrefix(name, wellKnownPrefix)
}

// wellKnownFile returns the gateway's own copy of a well-known file.
func wellKnownFile(name string) (*descriptorpb.FileDescriptorProto, bool) {
	fd, err := protoregistry.GlobalFiles.FindFileByPath(name)
	if err != nil {
		return nil, false
	}
	return protodesc.ToFileDescriptorProto(fd), true
}
