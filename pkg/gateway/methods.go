package gateway

import (
	"context"
	"time"

	"github.com/marcin/weft/pkg/events"
	"github.com/marcin/weft/pkg/orchestrator"
	"github.com/marcin/weft/pkg/provider"
	"github.com/marcin/weft/pkg/store"
)

// dispatch routes one authenticated RPC request.
func (s *Server) dispatch(ctx context.Context, client *Client, req RPCRequest) (interface{}, *RPCError) {
	switch req.Method {
	case "run.start":
		return s.handleRunStart(client, req.Params)
	case "run.cancel":
		return s.handleRunCancel(req.Params)
	case "session.list":
		return s.handleSessionList(ctx, req.Params)
	case "session.messages":
		return s.handleSessionMessages(ctx, req.Params)
	case "session.archive":
		return s.handleSessionArchive(ctx, req.Params)
	case "provider.models":
		return s.handleProviderModels(ctx, req.Params)
	case "provider.test":
		return s.handleProviderTest(ctx, req.Params)
	case "usage.session":
		return s.handleSessionUsage(ctx, req.Params)
	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "unknown method: " + req.Method}
	}
}

// handleRunStart accepts a run and executes it in the background; the
// result arrives through the event stream under the returned stream id.
func (s *Server) handleRunStart(client *Client, params map[string]interface{}) (interface{}, *RPCError) {
	text, ok := stringParam(params, "text")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "text is required"}
	}
	providerID, ok := stringParam(params, "providerId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "providerId is required"}
	}
	idempotencyKey, ok := stringParam(params, "idempotencyKey")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "idempotencyKey is required"}
	}

	sessionID, _ := stringParam(params, "sessionId")
	workspace, _ := stringParam(params, "workspace")
	model, _ := stringParam(params, "model")
	accessMode, _ := stringParam(params, "accessMode")

	streamID := events.NewStreamID()

	p := orchestrator.StartParams{
		SessionID:      sessionID,
		Workspace:      workspace,
		ProviderID:     providerID,
		Model:          model,
		AccessMode:     orchestrator.AccessMode(accessMode),
		UserText:       text,
		IdempotencyKey: idempotencyKey,
		StreamID:       streamID,
	}

	go func() {
		// The run outlives the requesting connection.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		if _, err := s.runs.StartRun(ctx, p); err != nil {
			s.logger.Error().Err(err).Str("streamId", streamID).Str("clientId", client.ID).Msg("Run failed to start")
			s.broadcaster.Emit(events.Event{
				StreamID: streamID,
				Type:     events.TypeError,
				Text:     err.Error(),
			})
			s.broadcaster.Emit(events.Event{StreamID: streamID, Type: events.TypeDone})
		}
	}()

	return map[string]interface{}{"streamId": streamID, "accepted": true}, nil
}

func (s *Server) handleRunCancel(params map[string]interface{}) (interface{}, *RPCError) {
	streamID, ok := stringParam(params, "streamId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "streamId is required"}
	}
	return map[string]interface{}{"cancelled": s.runs.Cancel(streamID)}, nil
}

func (s *Server) handleSessionList(ctx context.Context, params map[string]interface{}) (interface{}, *RPCError) {
	includeArchived, _ := params["includeArchived"].(bool)

	sessions, err := s.store.ListSessions(ctx, includeArchived)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, newSessionView(sess))
	}
	return map[string]interface{}{"sessions": views}, nil
}

func (s *Server) handleSessionMessages(ctx context.Context, params map[string]interface{}) (interface{}, *RPCError) {
	sessionID, ok := stringParam(params, "sessionId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "sessionId is required"}
	}

	messages, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}

	views := make([]messageView, 0, len(messages))
	for _, msg := range messages {
		views = append(views, newMessageView(msg))
	}
	return map[string]interface{}{"messages": views}, nil
}

func (s *Server) handleSessionArchive(ctx context.Context, params map[string]interface{}) (interface{}, *RPCError) {
	sessionID, ok := stringParam(params, "sessionId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "sessionId is required"}
	}

	if err := s.store.ArchiveSession(ctx, sessionID); err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"archived": true}, nil
}

func (s *Server) handleProviderModels(ctx context.Context, params map[string]interface{}) (interface{}, *RPCError) {
	providerID, ok := stringParam(params, "providerId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "providerId is required"}
	}

	adapter, err := s.registry.Build(providerID)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	lister, ok := adapter.(provider.ModelLister)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "provider does not support model listing"}
	}

	models, err := lister.ListModels(ctx)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"models": models}, nil
}

func (s *Server) handleProviderTest(ctx context.Context, params map[string]interface{}) (interface{}, *RPCError) {
	providerID, ok := stringParam(params, "providerId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "providerId is required"}
	}

	adapter, err := s.registry.Build(providerID)
	if err != nil {
		return map[string]interface{}{"ok": false, "reason": err.Error()}, nil
	}
	tester, ok := adapter.(provider.ConnectionTester)
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "provider does not support connection testing"}
	}

	if err := tester.TestConnection(ctx); err != nil {
		return map[string]interface{}{"ok": false, "reason": err.Error()}, nil
	}
	return map[string]interface{}{"ok": true}, nil
}

func (s *Server) handleSessionUsage(ctx context.Context, params map[string]interface{}) (interface{}, *RPCError) {
	sessionID, ok := stringParam(params, "sessionId")
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "sessionId is required"}
	}

	input, output, err := s.store.SessionUsage(ctx, sessionID)
	if err != nil {
		return nil, &RPCError{Code: InternalError, Message: err.Error()}
	}
	return map[string]interface{}{"inputTokens": input, "outputTokens": output}, nil
}

// sessionView is the wire shape of a session.
type sessionView struct {
	ID         string    `json:"id"`
	Workspace  string    `json:"workspace,omitempty"`
	Title      string    `json:"title"`
	ProviderID string    `json:"providerId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func newSessionView(sess *store.Session) sessionView {
	return sessionView{
		ID:         sess.ID,
		Workspace:  sess.Workspace,
		Title:      sess.Title,
		ProviderID: sess.ProviderID,
		Status:     string(sess.Status),
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
	}
}

// messageView is the wire shape of a message.
type messageView struct {
	ID           string    `json:"id"`
	Seq          int64     `json:"seq"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	InputTokens  *int64    `json:"inputTokens,omitempty"`
	OutputTokens *int64    `json:"outputTokens,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func newMessageView(msg *store.Message) messageView {
	return messageView{
		ID:           msg.ID,
		Seq:          msg.Seq,
		Role:         string(msg.Role),
		Content:      msg.Content,
		InputTokens:  msg.InputTokens,
		OutputTokens: msg.OutputTokens,
		CreatedAt:    msg.CreatedAt,
	}
}

func stringParam(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
