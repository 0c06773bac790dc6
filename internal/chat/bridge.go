package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/billgate/internal/bill"
	"github.com/alecgard/billgate/internal/metering"
	"github.com/alecgard/billgate/internal/metrics"
)

// State is the position of a turn in the bridge loop.
type State int

const (
	StateAwaitingModelReply State = iota
	StateExecutingTool
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModelReply:
		return "awaiting_model_reply"
	case StateExecutingTool:
		return "executing_tool"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultMaxRounds bounds the number of tool executions in one turn.
const DefaultMaxRounds = 8

const fallbackText = "Sorry, I could not complete that request."

// Recorder journals tool calls. *metering.Collector satisfies it.
type Recorder interface {
	Record(call metering.ToolCall)
}

// Input is one user turn.
type Input struct {
	RequestID string
	Message   string
	History   []Message
}

// CallRecord summarises a tool call made during the turn.
type CallRecord struct {
	Tool    string           `json:"tool"`
	Outcome metering.Outcome `json:"outcome"`
}

// Result is the final reply of a turn.
type Result struct {
	Text    string       `json:"text"`
	History []Message    `json:"-"`
	Calls   []CallRecord `json:"calls,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMaxRounds overrides DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxRounds = n
		}
	}
}

// WithRecorder journals every tool call to r.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) { b.journal = r }
}

// WithMetrics records turn and tool counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge runs the model and dispatches its function calls to a Toolset.
type Bridge struct {
	model     Model
	tools     *Toolset
	journal   Recorder
	metrics   *metrics.Metrics
	maxRounds int
	now       func() time.Time
}

// NewBridge creates a Bridge over model and tools.
func NewBridge(model Model, tools *Toolset, opts ...Option) *Bridge {
	b := &Bridge{
		model:     model,
		tools:     tools,
		maxRounds: DefaultMaxRounds,
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run drives one turn. Only the first function call of each model reply is
// executed; the others are answered with an error and journaled as skipped.
// The turn ends when the model replies without a call, names an unknown tool
// or the round limit is reached.
func (b *Bridge) Run(ctx context.Context, in Input) (*Result, error) {
	history := make([]Message, 0, len(in.History)+4)
	history = append(history, in.History...)
	history = append(history, UserText(in.Message))

	res := &Result{}
	var (
		reply  *Reply
		rounds int
		state  = StateAwaitingModelReply
		text   string
	)

	for state != StateDone {
		switch state {
		case StateAwaitingModelReply:
			var err error
			reply, err = b.generate(ctx, history)
			if err != nil {
				b.metrics.IncChatTurn("error")
				return nil, err
			}
			history = append(history, reply.Message())
			if reply.Text != "" {
				text = reply.Text
			}
			if len(reply.Calls) == 0 {
				state = StateDone
				continue
			}
			state = StateExecutingTool

		case StateExecutingTool:
			if rounds >= b.maxRounds {
				slog.Warn("chat tool round limit reached", "request_id", in.RequestID, "rounds", rounds)
				state = StateDone
				continue
			}
			call := reply.Calls[0]
			tool, ok := b.tools.Lookup(call.Name)
			if !ok {
				slog.Warn("model requested unknown tool", "request_id", in.RequestID, "tool", call.Name)
				b.record(in.RequestID, call, metering.OutcomeUnknown, "unknown tool", 0)
				res.Calls = append(res.Calls, CallRecord{Tool: call.Name, Outcome: metering.OutcomeUnknown})
				state = StateDone
				continue
			}
			rounds++

			start := b.now()
			out, err := tool.Run(ctx, call.Args)
			latency := b.now().Sub(start)
			outcome := metering.OutcomeOK
			errMsg := ""
			if err != nil {
				outcome = metering.OutcomeError
				errMsg = err.Error()
				out = toolError(err)
				slog.Info("chat tool failed", "request_id", in.RequestID, "tool", call.Name, "error", err)
			}
			b.record(in.RequestID, call, outcome, errMsg, latency)
			res.Calls = append(res.Calls, CallRecord{Tool: call.Name, Outcome: outcome})

			parts := []Part{{FunctionResponse: &FunctionResponse{
				ID:       call.ID,
				Name:     call.Name,
				Response: map[string]any{"content": out},
			}}}
			for _, extra := range reply.Calls[1:] {
				b.record(in.RequestID, extra, metering.OutcomeSkipped, "", 0)
				res.Calls = append(res.Calls, CallRecord{Tool: extra.Name, Outcome: metering.OutcomeSkipped})
				parts = append(parts, Part{FunctionResponse: &FunctionResponse{
					ID:       extra.ID,
					Name:     extra.Name,
					Response: map[string]any{"error": "not executed: only one tool call is handled per reply"},
				}})
			}
			history = append(history, Message{Role: RoleUser, Parts: parts})
			state = StateAwaitingModelReply
		}
	}

	if text == "" {
		text = fallbackText
	}
	b.metrics.IncChatTurn("ok")
	res.Text = text
	res.History = history
	return res, nil
}

func (b *Bridge) generate(ctx context.Context, history []Message) (*Reply, error) {
	start := b.now()
	reply, err := b.model.Generate(ctx, history)
	b.metrics.ObserveModelCall(b.now().Sub(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: model: %v", bill.ErrUpstream, err)
	}
	if reply == nil {
		return &Reply{}, nil
	}
	return reply, nil
}

func (b *Bridge) record(requestID string, call FunctionCall, outcome metering.Outcome, errMsg string, latency time.Duration) {
	b.metrics.IncToolCall(call.Name, string(outcome))
	if b.journal == nil {
		return
	}
	sub, _ := call.Args["subscriberNo"].(string)
	if sub == "" {
		if n, ok := call.Args["subscriberNo"].(float64); ok {
			sub = fmt.Sprintf("%.0f", n)
		}
	}
	month, _ := call.Args["month"].(string)
	b.journal.Record(metering.ToolCall{
		ID:           uuid.NewString(),
		RequestID:    requestID,
		Tool:         call.Name,
		SubscriberNo: sub,
		Month:        month,
		Args:         call.Args,
		Outcome:      outcome,
		Error:        errMsg,
		LatencyMs:    latency.Milliseconds(),
		Timestamp:    b.now().UTC(),
	})
}
