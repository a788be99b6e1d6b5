package grpc

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	deckerrors "github.com/arkilian/tabledeck/internal/errors"
	"github.com/arkilian/tabledeck/internal/projects"
	"github.com/arkilian/tabledeck/internal/router"
	"github.com/arkilian/tabledeck/pkg/types"
)

// Projects is the registry served over gRPC.
type Projects interface {
	Get(projectID string) (*projects.Project, error)
	List() []projects.Info
	Analyze(ctx context.Context, projectID string) ([]types.SlideSpec, error)
	ApplyEdit(ctx context.Context, projectID string, slideNumber int, rows []types.RowSpec) ([]types.SlideTable, error)
	CompileAll(ctx context.Context, projectID string) ([]types.SlideTable, error)
}

// Events is the event source of Watch streams.
type Events interface {
	Subscribe(projectID string) *router.Subscriber
	Unsubscribe(subID string)
}

// ProjectRequest addresses one project.
type ProjectRequest struct {
	ProjectID string `json:"project_id"`
}

// EditRequest replaces the rows of one slide.
type EditRequest struct {
	ProjectID   string          `json:"project_id"`
	SlideNumber int             `json:"slide_number"`
	Rows        []types.RowSpec `json:"rows"`
}

// ProjectReply describes one project.
type ProjectReply struct {
	Project   projects.Info      `json:"project"`
	Slides    []types.SlideSpec  `json:"slides"`
	Published *types.Publication `json:"published,omitempty"`
	LastSeq   uint64             `json:"last_seq"`
	RequestID string             `json:"request_id"`
}

// TablesReply carries the tables of a completed pass.
type TablesReply struct {
	ProjectID string             `json:"project_id"`
	Tables    []types.SlideTable `json:"tables"`
	RequestID string             `json:"request_id"`
}

// Server implements GenerationService.
type Server struct {
	projects Projects
	events   Events
}

// NewServer creates a GenerationService implementation.
func NewServer(p Projects, events Events) *Server {
	return &Server{projects: p, events: events}
}

// NewGRPCServer creates a grpc.Server with tracing, the health service and
// GenerationService registered.
func NewGRPCServer(svc *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := grpc.NewServer(opts...)
	RegisterGenerationServiceServer(s, svc)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GetProject returns the state of one project.
func (s *Server) GetProject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProjectRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	p, err := s.projects.Get(req.ProjectID)
	if err != nil {
		return nil, toStatus(err)
	}
	snap := p.Orch.Snapshot()
	return reply(ProjectReply{
		Project:   p.Info(),
		Slides:    snap.Slides,
		Published: snap.Published,
		LastSeq:   snap.LastSeq,
		RequestID: extractRequestID(ctx),
	})
}

// ListProjects returns every live project.
func (s *Server) ListProjects(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]interface{}{
		"projects":   s.projects.List(),
		"request_id": extractRequestID(ctx),
	})
}

// Analyze runs the initial analysis and waits for the first publication.
func (s *Server) Analyze(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProjectRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	slides, err := s.projects.Analyze(ctx, req.ProjectID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{
		"project_id": req.ProjectID,
		"slides":     slides,
		"request_id": extractRequestID(ctx),
	})
}

// ApplyEdit replaces one slide's rows and returns the recompiled deck.
func (s *Server) ApplyEdit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EditRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.SlideNumber < 1 {
		return nil, status.Error(codes.InvalidArgument, "slide_number must be positive")
	}
	tables, err := s.projects.ApplyEdit(ctx, req.ProjectID, req.SlideNumber, req.Rows)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(TablesReply{ProjectID: req.ProjectID, Tables: tables, RequestID: extractRequestID(ctx)})
}

// Regenerate recompiles every slide.
func (s *Server) Regenerate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ProjectRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	tables, err := s.projects.CompileAll(ctx, req.ProjectID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(TablesReply{ProjectID: req.ProjectID, Tables: tables, RequestID: extractRequestID(ctx)})
}

// Watch streams the events of one project, or of every project when
// project_id is empty, until the client goes away.
func (s *Server) Watch(in *structpb.Struct, stream GenerationService_WatchServer) error {
	var req ProjectRequest
	if err := decodeRequest(in, &req); err != nil {
		return err
	}
	if s.events == nil {
		return status.Error(codes.Unimplemented, "event streaming is not configured")
	}
	if req.ProjectID != "" {
		if _, err := s.projects.Get(req.ProjectID); err != nil {
			return toStatus(err)
		}
	}

	sub := s.events.Subscribe(req.ProjectID)
	defer s.events.Unsubscribe(sub.ID)

	// Headers go out before any event so clients know the stream is live.
	if err := stream.SendHeader(metadata.Pairs("x-subscriber-id", sub.ID)); err != nil {
		return err
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					return status.Error(codes.ResourceExhausted, "watcher fell behind the event stream; resubscribe to resync")
				}
				return nil
			}
			msg, err := toStruct(ev)
			if err != nil {
				log.Printf("[WARN] grpc: encode event %d: %v", ev.Seq, err)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func decodeRequest(in *structpb.Struct, v interface{}) error {
	if in == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	if err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

func reply(v interface{}) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return out, nil
}

// toStatus maps an error to a gRPC status by category and code.
func toStatus(err error) error {
	code := codes.Internal
	switch deckerrors.GetCategory(err) {
	case deckerrors.ErrCategoryValidation:
		code = codes.InvalidArgument
	case deckerrors.ErrCategoryConfiguration, deckerrors.ErrCategoryPlanning, deckerrors.ErrCategoryCompilation:
		code = codes.FailedPrecondition
	case deckerrors.ErrCategoryRender:
		code = codes.Unavailable
	case deckerrors.ErrCategoryProject:
		switch deckerrors.GetCode(err) {
		case deckerrors.CodeProjectNotFound, deckerrors.CodeUnknownSlide:
			code = codes.NotFound
		case deckerrors.CodeProjectClosed:
			code = codes.Unavailable
		default:
			code = codes.FailedPrecondition
		}
	case deckerrors.ErrCategoryStorage:
		code = codes.Unavailable
		if deckerrors.GetCode(err) == deckerrors.CodeObjectNotFound {
			code = codes.NotFound
		}
	default:
		switch {
		case errors.Is(err, context.Canceled):
			code = codes.Canceled
		case errors.Is(err, context.DeadlineExceeded):
			code = codes.DeadlineExceeded
		}
	}
	msg := err.Error()
	if c := deckerrors.GetCode(err); c != "" {
		msg = fmt.Sprintf("%s: %s", c, msg)
	}
	return status.Error(code, msg)
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
