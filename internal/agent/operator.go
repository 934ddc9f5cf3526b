package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"command_center/internal/domain"
)

// Operator issues commands on behalf of a human and waits for the reply.
// Each request registers a short-lived assistant agent so replies addressed
// to the sender can be routed back.
type Operator struct {
	bus    Bus
	name   string
	logger *slog.Logger
}

func NewOperator(bus Bus, name string, logger *slog.Logger) *Operator {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = "operator"
	}
	return &Operator{bus: bus, name: name, logger: logger.With("component", "operator")}
}

// Send publishes a command without waiting for a reply.
func (o *Operator) Send(in domain.CommandInput) (string, error) {
	if in.Source == "" {
		in.Source = o.name
	}
	return o.bus.SendCommand(in)
}

// Request sends in and returns the first reply: a command targeted at the
// sender, or the result broadcast that carries the request's requestId.
func (o *Operator) Request(ctx context.Context, in domain.CommandInput) (domain.Command, error) {
	resultKind := resultKindFor(in.Type)
	requestID := ""
	if resultKind != "" {
		payload, id, err := withRequestID(in.Payload)
		if err != nil {
			return domain.Command{}, err
		}
		in.Payload = payload
		requestID = id
	}

	id := o.bus.RegisterAgent(domain.AgentSpec{
		Name:   o.name,
		Role:   domain.AgentRoleAssistant,
		Status: domain.AgentStatusIdle,
	})
	defer o.bus.RemoveAgent(id)

	replies := make(chan domain.Command, 1)
	deliver := func(cmd domain.Command) {
		select {
		case replies <- cmd:
		default:
		}
	}
	defer o.bus.OnAgent(id, deliver)()
	if resultKind != "" {
		defer o.bus.OnKind(resultKind, func(cmd domain.Command) {
			if cmd.RequestID() == requestID {
				deliver(cmd)
			}
		})()
	}

	in.Source = id
	cmdID, err := o.bus.SendCommand(in)
	if err != nil {
		return domain.Command{}, err
	}
	o.logger.Debug("awaiting reply", "command_id", cmdID, "type", string(in.Type), "request_id", requestID)

	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return domain.Command{}, fmt.Errorf("await reply to %s: %w", in.Type, ctx.Err())
	}
}

func resultKindFor(kind domain.CommandType) domain.CommandType {
	switch kind {
	case domain.CommandAnalyze:
		return domain.CommandAnalysisResult
	case domain.CommandExecute:
		return domain.CommandExecutionResult
	default:
		return ""
	}
}

// withRequestID returns payload as a JSON object carrying a requestId,
// generating one when absent.
func withRequestID(payload any) (json.RawMessage, string, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		raw = []byte("{}")
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encode payload: %w", err)
		}
		raw = encoded
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, "", fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	id, _ := fields["requestId"].(string)
	if id == "" {
		id = uuid.NewString()
		fields["requestId"] = id
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}
	return out, id, nil
}
