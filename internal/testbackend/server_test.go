package testbackend

import (
	"context"
	"testing"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"github.com/jhump/protoreflect/dynamic/grpcdynamic"
	"github.com/jhump/protoreflect/grpcreflect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startPricing(t *testing.T, opts ...Option) (*Server, *grpc.ClientConn) {
	t.Helper()
	schema, err := PricingSchema(context.Background())
	require.NoError(t, err)

	srv := New(schema, opts...)
	srv.Handle(GetPrice, func(_ context.Context, req map[string]any) (any, error) {
		sku, _ := req["sku"].(string)
		if sku == "" {
			return nil, BadRequest("sku", "must not be empty")
		}
		return map[string]any{
			"sku":    sku,
			"amount": map[string]any{"currencyCode": "USD", "units": 1999},
		}, nil
	})

	addr, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return srv, conn
}

func TestServer_ReflectionAndInvoke(t *testing.T) {
	srv, conn := startPricing(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := grpcreflect.NewClientAuto(ctx, conn)
	defer rc.Reset()

	svc, err := rc.ResolveService(PricingService)
	require.NoError(t, err)
	method := svc.FindMethodByName("GetPrice")
	require.NotNil(t, method)

	req := dynamic.NewMessage(method.GetInputType())
	req.SetFieldByName("sku", "ABC123")

	resp, err := grpcdynamic.NewStub(conn).InvokeRpc(ctx, method, req)
	require.NoError(t, err)

	out := resp.(*dynamic.Message)
	assert.Equal(t, "ABC123", out.GetFieldByName("sku"))
	amount := out.GetFieldByName("amount").(*dynamic.Message)
	assert.Equal(t, int64(1999), amount.GetFieldByName("units"))

	assert.Equal(t, 1, srv.Calls(GetPrice))
	assert.GreaterOrEqual(t, srv.ReflectionStreams(), 1)
}

func TestServer_HandlerErrorCarriesDetails(t *testing.T) {
	_, conn := startPricing(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := grpcreflect.NewClientAuto(ctx, conn)
	defer rc.Reset()
	svc, err := rc.ResolveService(PricingService)
	require.NoError(t, err)
	method := svc.FindMethodByName("GetPrice")

	_, err = grpcdynamic.NewStub(conn).InvokeRpc(ctx, method, dynamic.NewMessage(method.GetInputType()))
	require.Error(t, err)

	st := status.Convert(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	require.Len(t, st.Details(), 1)
	br, ok := st.Details()[0].(*errdetails.BadRequest)
	require.True(t, ok)
	assert.Equal(t, "sku", br.GetFieldViolations()[0].GetField())
}

func TestServer_MissingHandlerIsUnimplemented(t *testing.T) {
	_, conn := startPricing(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := grpcreflect.NewClientAuto(ctx, conn)
	defer rc.Reset()
	svc, err := rc.ResolveService(PricingService)
	require.NoError(t, err)
	method := svc.FindMethodByName("ListPrices")

	_, err = grpcdynamic.NewStub(conn).InvokeRpc(ctx, method, dynamic.NewMessage(method.GetInputType()))
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestServer_Health(t *testing.T) {
	srv, conn := startPricing(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hc := healthpb.NewHealthClient(conn)
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	srv.SetServing(false)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestServer_ShallowReflectionResolvesImports(t *testing.T) {
	srv, conn := startPricing(t, WithReflection(ReflectionShallow))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc := grpcreflect.NewClientAuto(ctx, conn)
	defer rc.Reset()

	svc, err := rc.ResolveService(PricingService)
	require.NoError(t, err)
	assert.NotNil(t, svc.FindMethodByName("GetPriceById"))

	// pricing.proto first, then at least common.proto in a later request.
	assert.GreaterOrEqual(t, srv.ReflectionRequests(), 2)
}

func TestPricingSchema(t *testing.T) {
	schema, err := PricingSchema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{PricingService}, schema.Services())
}
