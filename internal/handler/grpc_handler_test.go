package handler

import (
	"context"
	stderrors "errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
)

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid input", errors.InvalidInput("reason", "required"), codes.InvalidArgument},
		{"needs estimate", errors.New(errors.ErrCodeNeedsEstimate, "estimate required"), codes.InvalidArgument},
		{"unauthorized", errors.New(errors.ErrCodeUnauthorized, "who"), codes.Unauthenticated},
		{"forbidden", errors.Forbidden("nope"), codes.PermissionDenied},
		{"not found", errors.NotFound("commission", "c-1"), codes.NotFound},
		{"conflict", errors.Conflict("stale"), codes.Aborted},
		{"cap exceeded", errors.New(errors.ErrCodeCapExceeded, "too much"), codes.FailedPrecondition},
		{"job denied", errors.New(errors.ErrCodeJobDenied, "denied"), codes.FailedPrecondition},
		{"compliance blocked", errors.New(errors.ErrCodeComplianceBlocked, "held"), codes.FailedPrecondition},
		{"unavailable", errors.Unavailable(stderrors.New("dial"), "db down"), codes.Unavailable},
		{"plain error", stderrors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := status.Code(mapErrorToGRPC(tt.err))
			if got != tt.want {
				t.Errorf("code = %s, want %s", got, tt.want)
			}
		})
	}

	if mapErrorToGRPC(nil) != nil {
		t.Error("nil error should map to nil")
	}
}

func TestMapErrorToGRPCCarriesDetails(t *testing.T) {
	err := errors.New(errors.ErrCodeComplianceBlocked, "held").WithDetail("hold_id", "h-1")
	st := status.Convert(mapErrorToGRPC(err))

	details := st.Details()
	if len(details) != 1 {
		t.Fatalf("details = %d, want 1", len(details))
	}
	detail, ok := details[0].(*structpb.Struct)
	if !ok {
		t.Fatalf("detail type = %T", details[0])
	}
	m := detail.AsMap()
	if m["code"] != "COMPLIANCE_BLOCKED" {
		t.Errorf("code = %v", m["code"])
	}
	if inner, _ := m["details"].(map[string]any); inner["hold_id"] != "h-1" {
		t.Errorf("details = %v", m["details"])
	}
}

func dialTestServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	commissions, compliance, _ := newTestServices()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryActorInterceptor))
	RegisterCommissionsService(srv, NewGRPCHandler(commissions, compliance, logger.Nop()))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, "/"+commissionsServiceName+"/"+method, req, out)
	return out, err
}

func asCaller(id, role string) context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), metadataUserID, id, metadataUserRole, role)
}

func TestGRPCCommissionFlow(t *testing.T) {
	conn := dialTestServer(t)

	_, err := invoke(context.Background(), conn, "GetCommission", map[string]any{"id": "x"})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("missing identity: code = %s", status.Code(err))
	}

	created, err := invoke(asCaller("rep-1", "sales_rep"), conn, "CreateCommission", map[string]any{
		"acculynx_job_id": "4321",
		"customer_name":   "Dana Whitfield",
		"inputs": map[string]any{
			"contract_amount":       "10000",
			"commission_percentage": "15",
		},
		"submit": true,
	})
	if err != nil {
		t.Fatalf("CreateCommission: %v", err)
	}
	id := created.AsMap()["id"].(string)
	state := created.AsMap()["state"].(map[string]any)
	if state["status"] != "pending_review" || state["approval_stage"] != "pending_manager" {
		t.Fatalf("state = %v", state)
	}

	_, err = invoke(asCaller("rep-1", "sales_rep"), conn, "Transition", map[string]any{"id": id, "action": "approve"})
	if status.Code(err) != codes.PermissionDenied {
		t.Fatalf("rep approve: code = %s", status.Code(err))
	}

	out, err := invoke(asCaller("comp-1", "compliance"), conn, "Transition", map[string]any{"id": id, "action": "approve"})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if stage := out.AsMap()["state"].(map[string]any)["approval_stage"]; stage != "pending_accounting" {
		t.Errorf("approval_stage = %v", stage)
	}

	denied, err := invoke(asCaller("rep-1", "sales_rep"), conn, "CheckJobDenied", map[string]any{"job_id": "4321"})
	if err != nil {
		t.Fatalf("CheckJobDenied: %v", err)
	}
	if denied.AsMap()["denied"] != false {
		t.Errorf("denied = %v", denied.AsMap()["denied"])
	}
}
