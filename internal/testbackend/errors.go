package testbackend

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BadRequest returns an InvalidArgument status carrying a single field
// violation.
func BadRequest(field, description string) error {
	st := status.New(codes.InvalidArgument, "invalid "+field)
	withDetails, err := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{
			{Field: field, Description: description},
		},
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// NotFound returns a NotFound status with resource info attached.
func NotFound(resourceType, name string) error {
	st := status.New(codes.NotFound, resourceType+" not found")
	withDetails, err := st.WithDetails(&errdetails.ResourceInfo{
		ResourceType: resourceType,
		ResourceName: name,
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}
