package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/alanyoungcy/tradeagent/internal/domain"
	"github.com/alanyoungcy/tradeagent/internal/platform/llm"
)

// LLMName is the registry name of the language-model oracle.
const LLMName = "llm"

// Chatter sends a chat conversation and returns the reply text.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

const decisionSchema = `{
  "type": "object",
  "required": ["signal", "confidence"],
  "properties": {
    "signal":      {"enum": ["entry", "hold", "exit"]},
    "side":        {"enum": ["long", "short"]},
    "confidence":  {"type": "number", "minimum": 0, "maximum": 1},
    "size_pct":    {"type": "number", "minimum": 0, "maximum": 100},
    "stop_loss":   {"type": "number", "exclusiveMinimum": 0},
    "take_profit": {"type": "number", "exclusiveMinimum": 0},
    "reasoning":   {"type": "string"}
  },
  "if":   {"properties": {"signal": {"const": "entry"}}},
  "then": {"required": ["side"]}
}`

const systemPrompt = `You are a crypto futures trading assistant. Reply with one JSON object and nothing else:
{"signal":"entry|hold|exit","side":"long|short","confidence":0..1,"size_pct":number,"stop_loss":number,"take_profit":number,"reasoning":"text"}
"side" is required for entry. Omit optional fields you do not want to set.`

// LLM asks a chat model for a decision and validates the reply.
type LLM struct {
	chat   Chatter
	schema *jsonschema.Schema
	logger *slog.Logger
}

var _ domain.DecisionOracle = (*LLM)(nil)

// NewLLM creates the LLM oracle.
func NewLLM(chat Chatter, logger *slog.Logger) (*LLM, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision.json", strings.NewReader(decisionSchema)); err != nil {
		return nil, fmt.Errorf("oracle: add decision schema: %w", err)
	}
	schema, err := compiler.Compile("decision.json")
	if err != nil {
		return nil, fmt.Errorf("oracle: compile decision schema: %w", err)
	}
	return &LLM{
		chat:   chat,
		schema: schema,
		logger: logger.With(slog.String("component", "oracle"), slog.String("oracle", LLMName)),
	}, nil
}

func (o *LLM) Name() string { return LLMName }

// Decide implements domain.DecisionOracle.
func (o *LLM) Decide(ctx context.Context, mc domain.MarketContext) (domain.Decision, error) {
	prompt, err := userPrompt(mc)
	if err != nil {
		return nil, err
	}
	reply, err := o.chat.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("oracle: chat: %w", err)
	}
	o.logger.DebugContext(ctx, "oracle: reply", slog.String("symbol", mc.Symbol), slog.String("reply", reply))
	return o.Parse(mc.Symbol, reply)
}

// Parse converts a model reply into a Decision.
func (o *LLM) Parse(symbol, reply string) (domain.Decision, error) {
	raw := extractObject(reply)
	if raw == "" || !gjson.Valid(raw) {
		return nil, fmt.Errorf("%w: reply is not a JSON object", domain.ErrMalformedDecision)
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDecision, err)
	}
	if err := o.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDecision, err)
	}

	res := gjson.Parse(raw)
	reasoning := strings.TrimSpace(res.Get("reasoning").String())
	switch res.Get("signal").String() {
	case "entry":
		return domain.Entry{
			Symbol:     symbol,
			Side:       domain.Side(res.Get("side").String()),
			Confidence: res.Get("confidence").Float(),
			SizePct:    res.Get("size_pct").Float(),
			StopLoss:   res.Get("stop_loss").Float(),
			TakeProfit: res.Get("take_profit").Float(),
			Reasoning:  reasoning,
		}, nil
	case "exit":
		return domain.Exit{
			Symbol:     symbol,
			Confidence: res.Get("confidence").Float(),
			Reason:     reasoning,
		}, nil
	default:
		return domain.Hold{Symbol: symbol, Reason: reasoning}, nil
	}
}

// extractObject returns the outermost {...} span of s, which tolerates code
// fences and prose around the JSON.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

type promptPosition struct {
	Side          string  `json:"side"`
	EntryPrice    float64 `json:"entry_price"`
	Quantity      float64 `json:"quantity"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	UnrealizedPct float64 `json:"unrealized_pnl_pct"`
}

func userPrompt(mc domain.MarketContext) (string, error) {
	const maxCloses = 30
	closes := make([]float64, 0, maxCloses)
	start := 0
	if len(mc.Candles) > maxCloses {
		start = len(mc.Candles) - maxCloses
	}
	for _, c := range mc.Candles[start:] {
		closes = append(closes, c.Close)
	}

	payload := map[string]any{
		"symbol":     mc.Symbol,
		"price":      mc.Quote.Price,
		"time":       mc.Now.UTC().Format("2006-01-02T15:04:05Z"),
		"equity":     mc.Equity,
		"indicators": mc.Indicators,
		"closes":     closes,
	}
	if p := mc.Position; p != nil {
		payload["position"] = promptPosition{
			Side:          string(p.Side),
			EntryPrice:    p.EntryPrice,
			Quantity:      p.Quantity,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			UnrealizedPct: p.UnrealizedPnLPct(),
		}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("oracle: encode context: %w", err)
	}
	return string(b), nil
}
