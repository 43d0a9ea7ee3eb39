package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-commissions/internal/platform/errors"
	"github.com/pesio-ai/be-commissions/internal/platform/logger"
	"github.com/pesio-ai/be-commissions/internal/repository"
	"github.com/pesio-ai/be-commissions/internal/service"
	"github.com/pesio-ai/be-commissions/internal/workflow"
)

const commissionsServiceName = "commissions.v1.CommissionsService"

// CommissionsServiceServer is the internal gRPC surface used by other
// back-office services. Messages are google.protobuf.Struct documents with
// the same field names as the HTTP JSON bodies.
type CommissionsServiceServer interface {
	CreateCommission(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCommission(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCommissions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Transition(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetChanges(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckJobDenied(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportViolation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveViolation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EscalateViolation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PlaceHold(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseHold(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindActiveHold(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideEscalation(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(CommissionsServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(CommissionsServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + commissionsServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// CommissionsServiceDesc describes the service for grpc.Server.RegisterService.
var CommissionsServiceDesc = grpc.ServiceDesc{
	ServiceName: commissionsServiceName,
	HandlerType: (*CommissionsServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("CreateCommission", CommissionsServiceServer.CreateCommission),
		unaryMethod("GetCommission", CommissionsServiceServer.GetCommission),
		unaryMethod("ListCommissions", CommissionsServiceServer.ListCommissions),
		unaryMethod("Transition", CommissionsServiceServer.Transition),
		unaryMethod("GetHistory", CommissionsServiceServer.GetHistory),
		unaryMethod("GetChanges", CommissionsServiceServer.GetChanges),
		unaryMethod("CheckJobDenied", CommissionsServiceServer.CheckJobDenied),
		unaryMethod("ReportViolation", CommissionsServiceServer.ReportViolation),
		unaryMethod("ResolveViolation", CommissionsServiceServer.ResolveViolation),
		unaryMethod("EscalateViolation", CommissionsServiceServer.EscalateViolation),
		unaryMethod("PlaceHold", CommissionsServiceServer.PlaceHold),
		unaryMethod("ReleaseHold", CommissionsServiceServer.ReleaseHold),
		unaryMethod("FindActiveHold", CommissionsServiceServer.FindActiveHold),
		unaryMethod("DecideEscalation", CommissionsServiceServer.DecideEscalation),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "commissions/v1/commissions.proto",
}

// RegisterCommissionsService registers srv on s.
func RegisterCommissionsService(s grpc.ServiceRegistrar, srv CommissionsServiceServer) {
	s.RegisterService(&CommissionsServiceDesc, srv)
}

// GRPCHandler implements the CommissionsService gRPC interface
type GRPCHandler struct {
	commissions *service.CommissionService
	compliance  *service.ComplianceService
	log         *logger.Logger
}

var _ CommissionsServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(commissions *service.CommissionService, compliance *service.ComplianceService, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		commissions: commissions,
		compliance:  compliance,
		log:         &logger.Logger{Logger: log.With().Str("handler", "grpc").Logger()},
	}
}

type idRequest struct {
	ID string `json:"id"`
}

type listCommissionsRequest struct {
	Status        string `json:"status"`
	ApprovalStage string `json:"approval_stage"`
	SubmittedBy   string `json:"submitted_by"`
	JobID         string `json:"job_id"`
	IsDraw        *bool  `json:"is_draw"`
	Limit         int    `json:"limit"`
	Offset        int    `json:"offset"`
}

type transitionRequest struct {
	ID string `json:"id"`
	transitionBody
}

type jobRequest struct {
	JobID  string `json:"job_id"`
	UserID string `json:"user_id"`
}

type resolveRequest struct {
	ID    string  `json:"id"`
	Notes *string `json:"notes"`
}

type escalateRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type decideRequest struct {
	ID string `json:"id"`
	decisionBody
}

// ── Commissions ───────────────────────────────────────────────────────────────

// CreateCommission creates a commission record, optionally submitting it
func (h *GRPCHandler) CreateCommission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req createCommissionBody
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}

	h.log.Info().
		Str("actor_id", actor.ID).
		Str("job_id", req.AcculynxJobID).
		Bool("submit", req.Submit).
		Msg("gRPC CreateCommission called")

	rec, err := h.commissions.CreateCommission(ctx, req.toService(actor))
	return reply(rec, err)
}

// GetCommission retrieves a commission record
func (h *GRPCHandler) GetCommission(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if _, err := h.decode(ctx, in, &req); err != nil {
		return nil, err
	}
	rec, err := h.commissions.GetCommission(ctx, req.ID)
	return reply(rec, err)
}

// ListCommissions lists commission records
func (h *GRPCHandler) ListCommissions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listCommissionsRequest
	if _, err := h.decode(ctx, in, &req); err != nil {
		return nil, err
	}

	filter := repository.CommissionFilter{
		Stage:       optString(req.ApprovalStage),
		SubmittedBy: optString(req.SubmittedBy),
		JobID:       optString(req.JobID),
		IsDraw:      req.IsDraw,
		Limit:       req.Limit,
		Offset:      req.Offset,
	}
	if req.Status != "" {
		st := workflow.Status(req.Status)
		filter.Status = &st
	}

	records, total, err := h.commissions.ListCommissions(ctx, filter)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return reply(map[string]any{
		"commissions": records,
		"total":       total,
		"limit":       req.Limit,
		"offset":      req.Offset,
	}, nil)
}

// Transition applies one workflow action
func (h *GRPCHandler) Transition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req transitionRequest
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}

	h.log.Info().
		Str("commission_id", req.ID).
		Str("action", req.Action).
		Str("actor_id", actor.ID).
		Msg("gRPC Transition called")

	rec, err := transition(ctx, h.commissions, req.ID, actor, &req.transitionBody)
	return reply(rec, err)
}

// GetHistory returns the status log of a record
func (h *GRPCHandler) GetHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if _, err := h.decode(ctx, in, &req); err != nil {
		return nil, err
	}
	entries, err := h.commissions.GetHistory(ctx, req.ID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return reply(map[string]any{"entries": entries}, nil)
}

// GetChanges returns the resubmission diff of a record
func (h *GRPCHandler) GetChanges(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	if _, err := h.decode(ctx, in, &req); err != nil {
		return nil, err
	}
	changes, err := h.commissions.GetChanges(ctx, req.ID)
	return reply(changes, err)
}

// CheckJobDenied reports whether a job id is on the deny list
func (h *GRPCHandler) CheckJobDenied(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	if _, err := h.decode(ctx, in, &req); err != nil {
		return nil, err
	}
	denied, err := h.commissions.IsJobDenied(ctx, req.JobID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return reply(map[string]any{"job_id": req.JobID, "denied": denied}, nil)
}

// ── Compliance ────────────────────────────────────────────────────────────────

// ReportViolation records a new violation
func (h *GRPCHandler) ReportViolation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req reportViolationBody
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	v, err := h.compliance.ReportViolation(ctx, &service.ReportViolationRequest{
		Actor:        actor,
		UserID:       req.UserID,
		JobID:        req.JobID,
		Severity:     req.Severity,
		SOPReference: req.SOPReference,
		Description:  req.Description,
	})
	return reply(v, err)
}

// ResolveViolation closes a violation and releases its holds
func (h *GRPCHandler) ResolveViolation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req resolveRequest
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	v, err := h.compliance.ResolveViolation(ctx, req.ID, actor, req.Notes)
	return reply(v, err)
}

// EscalateViolation requests an admin decision on a violation
func (h *GRPCHandler) EscalateViolation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req escalateRequest
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	e, err := h.compliance.EscalateViolation(ctx, req.ID, actor, req.Reason)
	return reply(e, err)
}

// PlaceHold places a compliance hold
func (h *GRPCHandler) PlaceHold(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req placeHoldBody
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}

	h.log.Info().
		Str("target_type", string(req.TargetType)).
		Str("target_id", req.TargetID).
		Str("actor_id", actor.ID).
		Msg("gRPC PlaceHold called")

	hold, err := h.compliance.PlaceHold(ctx, &service.PlaceHoldRequest{
		Actor:       actor,
		HoldType:    req.HoldType,
		TargetType:  req.TargetType,
		TargetID:    req.TargetID,
		ViolationID: req.ViolationID,
		Reason:      req.Reason,
	})
	return reply(hold, err)
}

// ReleaseHold releases an active hold
func (h *GRPCHandler) ReleaseHold(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req idRequest
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	hold, err := h.compliance.ReleaseHold(ctx, req.ID, actor)
	return reply(hold, err)
}

// FindActiveHold returns the hold blocking a job or user, if any
func (h *GRPCHandler) FindActiveHold(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	if _, err := h.decode(ctx, in, &req); err != nil {
		return nil, err
	}
	hold, err := h.compliance.FindActiveHold(ctx, req.JobID, req.UserID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return reply(map[string]any{"blocked": hold != nil, "hold": hold}, nil)
}

// DecideEscalation records an admin decision on an escalation
func (h *GRPCHandler) DecideEscalation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req decideRequest
	actor, err := h.decode(ctx, in, &req)
	if err != nil {
		return nil, err
	}
	e, v, err := h.compliance.DecideEscalation(ctx, &service.DecideEscalationRequest{
		Actor:        actor,
		EscalationID: req.ID,
		Approve:      req.Approve,
		Note:         req.Note,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return reply(decisionResponse{Escalation: e, Violation: v}, nil)
}

// ── Conversion ────────────────────────────────────────────────────────────────

// decode unpacks the request document into dst and returns the caller.
func (h *GRPCHandler) decode(ctx context.Context, in *structpb.Struct, dst any) (workflow.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return workflow.Actor{}, status.Error(codes.Unauthenticated, "caller identity is required")
	}
	if err := fromStruct(in, dst); err != nil {
		return workflow.Actor{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return actor, nil
}

func fromStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		return nil
	}
	data, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return out, nil
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// mapErrorToGRPC converts service errors to gRPC status errors. The AppError
// itself travels as a Struct detail so callers keep code, field and details.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var appErr *errors.AppError
	if !errors.As(err, &appErr) {
		return status.Error(codes.Internal, "internal error")
	}

	st := status.New(grpcCode(appErr.Code), appErr.Message)
	if detail, derr := toStruct(appErr); derr == nil {
		if withDetail, werr := st.WithDetails(detail); werr == nil {
			st = withDetail
		}
	}
	return st.Err()
}

func grpcCode(code errors.ErrorCode) codes.Code {
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeNeedsEstimate:
		return codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		return codes.Unauthenticated
	case errors.ErrCodeForbidden:
		return codes.PermissionDenied
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeCapExceeded, errors.ErrCodeJobDenied, errors.ErrCodeComplianceBlocked:
		return codes.FailedPrecondition
	case errors.ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
