package session

import (
	"time"

	"github.com/flowloom/agentcore/internal/eventstream"
	"github.com/flowloom/agentcore/internal/loop"
	"github.com/flowloom/agentcore/internal/obslog"
	"github.com/flowloom/agentcore/internal/obsmetrics"
	"github.com/flowloom/agentcore/internal/obstrace"
	"github.com/flowloom/agentcore/pkg/agentmodel"
)

// Options configures a Session at construction. All fields are optional
// except where noted; nil callbacks fall back to package defaults.
type Options struct {
	// ID is the session's own identifier. Generated if empty.
	ID string
	// Name is an optional human-readable label, useful for logging and for
	// the Subagent Registry's role/index bookkeeping.
	Name string

	SystemPrompt string
	Model        string
	Reasoning    agentmodel.ReasoningLevel
	Tools        []agentmodel.AgentTool

	// ConvertToLLM bridges AgentState history to provider-shaped messages.
	// Required by the Loop; defaults to loop.DefaultConvertToLLM.
	ConvertToLLM loop.ConvertToLLMFunc
	// TransformContext optionally rewrites history once per turn (e.g. a
	// contextsize.MakeTransform truncator).
	TransformContext loop.TransformContextFunc
	// StreamFn adapts a concrete model provider to the Loop.
	StreamFn loop.StreamFunc
	// GetAPIKey resolves a per-turn API key so short-lived credentials can
	// be refreshed.
	GetAPIKey loop.APIKeyResolverFunc

	Provider        string
	Temperature     float64
	MaxTokens       int
	ThinkingBudgets map[agentmodel.ReasoningLevel]int
	DefaultAPIKey   string

	// SteeringMode/FollowUpMode set the initial consumption mode for each
	// queue.
	SteeringMode loop.ConsumptionMode
	FollowUpMode loop.ConsumptionMode
	// FollowUpPollInterval overrides the long-poll window. Zero keeps
	// loop.DefaultFollowUpPollInterval.
	FollowUpPollInterval time.Duration

	// QueuePollTimeout bounds the Loop's synchronous poll-back calls into
	// this Session. Zero keeps loop.DefaultQueuePollTimeout.
	QueuePollTimeout time.Duration

	// MaxToolConcurrency bounds parallel tool execution; zero is
	// unbounded.
	MaxToolConcurrency int

	// MaxQueue/DropStrategy configure each run's Event Stream.
	MaxQueue     int
	DropStrategy eventstream.DropStrategy

	// SubscriberBuffer sizes each subscriber's event channel. Defaults to
	// 64. A subscriber that falls behind this far has events silently
	// dropped rather than stalling the Session's actor loop (see
	// Subscribe's doc comment).
	SubscriberBuffer int

	// Logger/Metrics/Tracer are ambient observability hooks. All are
	// optional; a nil Logger falls back to obslog.Default(), a nil Metrics
	// means run/tool telemetry is simply not recorded, and a nil Tracer
	// means no spans are created.
	Logger  *obslog.Logger
	Metrics *obsmetrics.Metrics
	Tracer  *obstrace.Tracer
}

func (o Options) sanitized() Options {
	if o.ConvertToLLM == nil {
		o.ConvertToLLM = loop.DefaultConvertToLLM
	}
	if o.Logger == nil {
		o.Logger = obslog.Default()
	}
	if o.SteeringMode == "" {
		o.SteeringMode = loop.ConsumeOneAtATime
	}
	if o.FollowUpMode == "" {
		o.FollowUpMode = loop.ConsumeOneAtATime
	}
	if o.QueuePollTimeout <= 0 {
		o.QueuePollTimeout = loop.DefaultQueuePollTimeout
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	return o
}
