package invoker

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/getmockd/rpcgate/pkg/gwerr"
	"github.com/getmockd/rpcgate/pkg/registry"
)

// classify maps a failed backend call to a gateway error.
func (i *Invoker) classify(ctx context.Context, op string, rr *registry.ResolvedRoute, err error) *gwerr.Error {
	st := status.Convert(err)
	endpoint := rr.Service.Endpoint()

	switch st.Code() {
	case codes.Unavailable:
		return &gwerr.Error{Kind: gwerr.KindServiceUnavailable, Op: op, Msg: endpoint, GRPCCode: st.Code(), Err: err}
	case codes.DeadlineExceeded:
		if ctx.Err() == nil {
			return &gwerr.Error{
				Kind:     gwerr.KindServiceUnavailable,
				Op:       op,
				Msg:      fmt.Sprintf("%s did not answer within %s", endpoint, i.opts.CallTimeout),
				GRPCCode: st.Code(),
				Err:      err,
			}
		}
	case codes.Canceled:
		if ctx.Err() != nil {
			return &gwerr.Error{Kind: gwerr.KindUpstream, Op: op, GRPCCode: codes.Canceled, Msg: errCallerGone.Error(), Err: ctx.Err()}
		}
	case codes.Unimplemented:
		// The backend may have been redeployed without the method; the next
		// call rediscovers.
		i.resolver.Invalidate(endpoint)
	}

	details, retryable := renderDetails(st)
	return &gwerr.Error{
		Kind:      gwerr.KindUpstream,
		Op:        op,
		Msg:       st.Message(),
		GRPCCode:  st.Code(),
		Retryable: retryable,
		Details:   details,
		Err:       err,
	}
}

// renderDetails converts status details to JSON-friendly maps tagged with
// their type name. It reports whether the backend attached RetryInfo.
func renderDetails(st *status.Status) ([]any, bool) {
	var (
		out       []any
		retryable bool
	)
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.RetryInfo:
			retryable = true
			out = append(out, detailMap(v))
		case proto.Message:
			out = append(out, detailMap(v))
		case error:
			out = append(out, map[string]any{"error": v.Error()})
		}
	}
	return out, retryable
}

func detailMap(m proto.Message) map[string]any {
	out := map[string]any{"@type": string(m.ProtoReflect().Descriptor().FullName())}
	raw, err := protojson.Marshal(m)
	if err != nil {
		return out
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
