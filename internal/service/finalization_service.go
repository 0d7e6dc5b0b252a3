package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinical-finalize-be/internal/dto"
	"clinical-finalize-be/internal/pkg/logger"
	"clinical-finalize-be/pkg/ehr"
	"clinical-finalize-be/pkg/finalize/attest"
	"clinical-finalize-be/pkg/finalize/session"
	"clinical-finalize-be/pkg/finalize/workflow"

	"github.com/ThreeDotsLabs/watermill/message"
)

type IFinalizationService interface {
	Open(ctx context.Context, req *dto.OpenSessionRequest) (*dto.OpenSessionResponse, error)
	State(sessionId string) (*workflow.StateView, error)
	Suggestions(ctx context.Context, sessionId string) (*dto.SuggestionsResponse, error)
	Validate(ctx context.Context, sessionId string, req *dto.ValidationRequest) (*dto.ValidationResponse, error)
	TriggerCompose(ctx context.Context, sessionId string, force bool) (*dto.ComposeTriggerResponse, error)
	Finalize(ctx context.Context, sessionId string, req *dto.ValidationRequest) (*dto.FinalizeResponse, error)
	FinalizeAndDispatch(ctx context.Context, sessionId string, req *dto.FinalizeAndDispatchRequest) (*dto.FinalizeResponse, error)
	SubmitAttestation(ctx context.Context, sessionId string, req *dto.AttestationFormRequest) (*attest.Recap, error)
	StepChange(ctx context.Context, sessionId string, stepId int)
	Close(ctx context.Context, sessionId string, result map[string]interface{})
}

type finalizationService struct {
	backend      workflow.Backend
	store        session.Store
	bus          message.Publisher
	sink         workflow.EventSink
	logger       logger.ILogger
	pollInterval time.Duration

	mu   sync.Mutex
	open map[string]*workflow.Orchestrator // keyed by session id
}

func NewFinalizationService(
	backend workflow.Backend,
	st session.Store,
	bus message.Publisher,
	sink workflow.EventSink,
	pollInterval time.Duration,
	log logger.ILogger,
) IFinalizationService {
	return &finalizationService{
		backend:      backend,
		store:        st,
		bus:          bus,
		sink:         sink,
		logger:       log,
		pollInterval: pollInterval,
		open:         make(map[string]*workflow.Orchestrator),
	}
}

func (s *finalizationService) Open(ctx context.Context, req *dto.OpenSessionRequest) (*dto.OpenSessionResponse, error) {
	orch := workflow.NewOrchestrator(s.backend, s.store, s.logger, workflow.Options{
		PollInterval: s.pollInterval,
		Bus:          s.bus,
		Sink:         s.sink,
	})

	sess, err := orch.Open(ctx, workflow.OpenRequest{
		EncounterId:     req.EncounterId,
		NoteId:          req.NoteId,
		NoteContent:     req.NoteContent,
		PatientMetadata: req.PatientMetadata,
		Transcript:      req.Transcript,
		CallerOverrides: req.CallerOverrides,
		PriorSessionId:  req.PriorSessionId,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.open[sess.SessionId] = orch
	s.mu.Unlock()

	return &dto.OpenSessionResponse{
		SessionId:   sess.SessionId,
		EncounterId: sess.EncounterId,
		CurrentStep: sess.CurrentStep,
		StepStates:  sess.StepStates,
	}, nil
}

func (s *finalizationService) lookup(sessionId string) (*workflow.Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orch, ok := s.open[sessionId]
	if !ok {
		return nil, fmt.Errorf("no open wizard for session %s", sessionId)
	}
	return orch, nil
}

func (s *finalizationService) State(sessionId string) (*workflow.StateView, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	view := orch.View()
	return &view, nil
}

func (s *finalizationService) Suggestions(ctx context.Context, sessionId string) (*dto.SuggestionsResponse, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	suggested, err := orch.FetchSuggestions(ctx)
	if err != nil {
		return nil, err
	}
	res := &dto.SuggestionsResponse{Suggested: suggested}
	if sess := orch.Session(); sess != nil {
		res.Selected = sess.SelectedCodes
	}
	return res, nil
}

func (s *finalizationService) Validate(ctx context.Context, sessionId string, req *dto.ValidationRequest) (*dto.ValidationResponse, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	result, err := orch.RefreshValidation(ctx, req.ToFinalizeRequest())
	if err != nil {
		return nil, err
	}
	view := orch.View()
	return &dto.ValidationResponse{
		StepOverrides:  view.StepOverrides,
		BlockingIssues: result.BlockingIssues,
		CanFinalize:    result.CanFinalize,
		FirstOpenStep:  result.FirstOpenStep,
	}, nil
}

func (s *finalizationService) TriggerCompose(ctx context.Context, sessionId string, force bool) (*dto.ComposeTriggerResponse, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	started, err := orch.TriggerCompose(ctx, force)
	if err != nil {
		return nil, err
	}
	view := orch.View()
	return &dto.ComposeTriggerResponse{
		Started: started,
		Job:     view.ComposeJob,
		Error:   view.ComposeError,
	}, nil
}

func (s *finalizationService) Finalize(ctx context.Context, sessionId string, req *dto.ValidationRequest) (*dto.FinalizeResponse, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	out, err := orch.OnFinalize(ctx, req.ToFinalizeRequest())
	if err != nil {
		return nil, err
	}
	return &dto.FinalizeResponse{
		FinalizedNoteId: out.FinalizedNoteId,
		Result:          out.Result,
	}, nil
}

func (s *finalizationService) FinalizeAndDispatch(ctx context.Context, sessionId string, req *dto.FinalizeAndDispatchRequest) (*dto.FinalizeResponse, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	out, err := orch.OnFinalizeAndDispatch(ctx, req.Request.ToFinalizeRequest(), ehr.DispatchRequest{
		Destination: req.Dispatch.Destination,
		Comment:     req.Dispatch.Comment,
		Timestamp:   req.Dispatch.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	return &dto.FinalizeResponse{
		FinalizedNoteId: out.FinalizedNoteId,
		Result:          out.Result,
		Dispatch:        out.Dispatch,
	}, nil
}

func (s *finalizationService) SubmitAttestation(ctx context.Context, sessionId string, req *dto.AttestationFormRequest) (*attest.Recap, error) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return nil, err
	}
	return orch.OnSubmitAttestation(ctx, attest.Form{
		AttesterName: req.AttesterName,
		Statement:    req.Statement,
	})
}

func (s *finalizationService) StepChange(ctx context.Context, sessionId string, stepId int) {
	if orch, err := s.lookup(sessionId); err == nil {
		orch.OnStepChange(ctx, stepId)
	}
}

func (s *finalizationService) Close(ctx context.Context, sessionId string, result map[string]interface{}) {
	orch, err := s.lookup(sessionId)
	if err != nil {
		return
	}
	orch.OnClose(ctx, result)

	s.mu.Lock()
	delete(s.open, sessionId)
	s.mu.Unlock()
}
