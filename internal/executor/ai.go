package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"skillruntime/pkg/models"

	"github.com/rs/zerolog"
)

// AIProvider is the capability contract every AI backend satisfies: run one
// skill invocation and report what it cost.
type AIProvider interface {
	Execute(ctx context.Context, systemPrompt, userInput string) (result json.RawMessage, model string, tokens int, err error)
	Close() error
}

// AIExecutor runs skill packages whose ExecutionMode is ExecutionAI against
// a single selected AIProvider, chosen once at construction time by
// descending priority: DeepSeek, then an OpenAI-compatible endpoint, then
// the simulated provider as a last resort so the pipeline degrades
// gracefully rather than failing outright when no credentials are present.
type AIExecutor struct {
	provider AIProvider
	log      zerolog.Logger
}

// NewAIExecutor selects a provider from the supplied credentials.
func NewAIExecutor(deepSeekKey, openAIKey string, log zerolog.Logger) *AIExecutor {
	var provider AIProvider
	switch {
	case deepSeekKey != "":
		provider = NewDeepSeekProvider(deepSeekKey, log)
	case openAIKey != "":
		provider = NewOpenAICompatibleProvider(openAIKey, "https://api.openai.com/v1", "gpt-4", log)
	default:
		provider = NewSimulatedProvider(log)
	}
	return &AIExecutor{provider: provider, log: log}
}

// ExecuteSkill builds the system prompt for pkg, invokes the selected
// provider, and returns the parsed JSON result along with the model name
// and token count the provider reported.
func (e *AIExecutor) ExecuteSkill(ctx context.Context, pkg models.SkillPackage, input models.InputEnvelope) (json.RawMessage, string, int, error) {
	systemPrompt := buildSystemPrompt(pkg)
	userInput, err := json.Marshal(input)
	if err != nil {
		return nil, "", 0, fmt.Errorf("ai_executor: marshal input: %w", err)
	}
	result, model, tokens, err := e.provider.Execute(ctx, systemPrompt, string(userInput))
	if err != nil {
		return nil, "", 0, fmt.Errorf("ai_executor: %w", err)
	}
	return result, model, tokens, nil
}

// Close releases the selected provider's resources.
func (e *AIExecutor) Close() error {
	return e.provider.Close()
}

// buildSystemPrompt assembles the instruction the provider is handed,
// describing the skill's contract and demanding a strict JSON reply.
func buildSystemPrompt(pkg models.SkillPackage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are executing the skill \"%s\" (version %s, category %s).\n", pkg.Name, pkg.Version, pkg.Category)
	if len(pkg.OutputSchema) > 0 {
		fmt.Fprintf(&b, "The output must conform to this JSON schema:\n%s\n", string(pkg.OutputSchema))
	}
	b.WriteString("Respond ONLY with valid JSON matching the expected output shape. ")
	b.WriteString("Do not include any explanation, markdown fencing, or text outside the JSON object.")
	return b.String()
}

// stripJSONFence removes a leading/trailing ```json ... ``` or ``` ... ```
// code fence, a pattern providers routinely wrap their replies in despite
// being told not to.
func stripJSONFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

// parseProviderContent attempts to parse content as JSON; on failure it
// wraps the raw text so the caller always receives a JSON value.
func parseProviderContent(content string) json.RawMessage {
	stripped := stripJSONFence(content)
	var probe interface{}
	if err := json.Unmarshal([]byte(stripped), &probe); err == nil {
		return json.RawMessage(stripped)
	}
	wrapped, err := json.Marshal(map[string]string{"raw_response": content})
	if err != nil {
		return json.RawMessage(`{"raw_response":""}`)
	}
	return json.RawMessage(wrapped)
}

// --- DeepSeek ---------------------------------------------------------

const (
	deepSeekEndpoint  = "https://api.deepseek.com/v1/chat/completions"
	deepSeekModel     = "deepseek-chat"
	aiMaxTokens       = 4096
	aiTemperature     = 0.7
	aiMaxRetries      = 3
	aiRetryBaseDelay  = 1 * time.Second
)

// DeepSeekProvider calls the DeepSeek chat-completions API, retrying
// transient failures with exponential backoff.
type DeepSeekProvider struct {
	apiKey string
	client *http.Client
	log    zerolog.Logger
}

// NewDeepSeekProvider constructs a DeepSeekProvider.
func NewDeepSeekProvider(apiKey string, log zerolog.Logger) *DeepSeekProvider {
	return &DeepSeekProvider{apiKey: apiKey, client: &http.Client{Timeout: 60 * time.Second}, log: log}
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute sends one chat-completion request, making up to aiMaxRetries
// attempts in total on network errors, HTTP 429, and HTTP 5xx. Other 4xx responses
// surface immediately without retry.
func (p *DeepSeekProvider) Execute(ctx context.Context, systemPrompt, userInput string) (json.RawMessage, string, int, error) {
	return executeChatCompletion(ctx, p.client, deepSeekEndpoint, p.apiKey, deepSeekModel, systemPrompt, userInput, p.log)
}

// Close is a no-op: the HTTP client owns no resources that need releasing.
func (p *DeepSeekProvider) Close() error { return nil }

// --- OpenAI-compatible --------------------------------------------------

// OpenAICompatibleProvider calls any OpenAI chat-completions-compatible
// endpoint. Unlike DeepSeekProvider it does not retry: callers configuring
// a custom base_url are assumed to front their own retry policy.
type OpenAICompatibleProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	log     zerolog.Logger
}

// NewOpenAICompatibleProvider constructs an OpenAICompatibleProvider.
func NewOpenAICompatibleProvider(apiKey, baseURL, model string, log zerolog.Logger) *OpenAICompatibleProvider {
	return &OpenAICompatibleProvider{apiKey: apiKey, baseURL: baseURL, model: model, client: &http.Client{Timeout: 60 * time.Second}, log: log}
}

// Execute sends a single chat-completion request with no retry.
func (p *OpenAICompatibleProvider) Execute(ctx context.Context, systemPrompt, userInput string) (json.RawMessage, string, int, error) {
	endpoint := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	return doChatCompletionRequest(ctx, p.client, endpoint, p.apiKey, p.model, systemPrompt, userInput)
}

// Close is a no-op.
func (p *OpenAICompatibleProvider) Close() error { return nil }

// executeChatCompletion performs the shared DeepSeek retry loop: exponential
// backoff (aiRetryBaseDelay * 2^attempt) on transport errors, 429s, and 5xx
// responses; immediate failure on any other non-2xx status.
func executeChatCompletion(ctx context.Context, client *http.Client, endpoint, apiKey, model, systemPrompt, userInput string, log zerolog.Logger) (json.RawMessage, string, int, error) {
	var lastErr error
	for attempt := 0; attempt < aiMaxRetries; attempt++ {
		result, respModel, tokens, statusCode, err := doChatCompletionRequestWithStatus(ctx, client, endpoint, apiKey, model, systemPrompt, userInput)
		if err == nil {
			return result, respModel, tokens, nil
		}
		lastErr = err
		if !isRetryableAIError(statusCode, err) {
			return nil, "", 0, err
		}
		delay := time.Duration(float64(aiRetryBaseDelay) * math.Pow(2, float64(attempt)))
		log.Warn().Int("attempt", attempt+1).Int("status", statusCode).Err(err).Dur("delay", delay).
			Msg("ai_executor: transient provider error, retrying")
		select {
		case <-ctx.Done():
			return nil, "", 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, "", 0, fmt.Errorf("ai_executor: exhausted %d retries: %w", aiMaxRetries, lastErr)
}

func isRetryableAIError(statusCode int, err error) bool {
	if statusCode == 0 {
		return true // transport/network error, no response received
	}
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	if statusCode >= 500 {
		return true
	}
	return false
}

func doChatCompletionRequest(ctx context.Context, client *http.Client, endpoint, apiKey, model, systemPrompt, userInput string) (json.RawMessage, string, int, error) {
	result, respModel, tokens, _, err := doChatCompletionRequestWithStatus(ctx, client, endpoint, apiKey, model, systemPrompt, userInput)
	return result, respModel, tokens, err
}

func doChatCompletionRequestWithStatus(ctx context.Context, client *http.Client, endpoint, apiKey, model, systemPrompt, userInput string) (json.RawMessage, string, int, int, error) {
	reqBody := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userInput},
		},
		MaxTokens:   aiMaxTokens,
		Temperature: aiTemperature,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", 0, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("ai_executor: transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", 0, resp.StatusCode, fmt.Errorf("ai_executor: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", 0, resp.StatusCode, fmt.Errorf("ai_executor: provider returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, "", 0, resp.StatusCode, fmt.Errorf("ai_executor: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, "", 0, resp.StatusCode, fmt.Errorf("ai_executor: provider returned no choices")
	}

	content := parsed.Choices[0].Message.Content
	result := parseProviderContent(content)
	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return result, respModel, parsed.Usage.TotalTokens, resp.StatusCode, nil
}

// --- Simulated ------------------------------------------------------------

const (
	simulatedModel  = "simulated-gpt-4"
	simulatedTokens = 42
)

// SimulatedProvider returns deterministic mock responses without making any
// network call. It exists so the runtime is exercisable offline and in CI
// without AI credentials.
type SimulatedProvider struct {
	log zerolog.Logger
}

// NewSimulatedProvider constructs a SimulatedProvider.
func NewSimulatedProvider(log zerolog.Logger) *SimulatedProvider {
	return &SimulatedProvider{log: log}
}

// Execute returns a canned response keyed by a substring match on
// systemPrompt, simulating a short processing delay.
func (p *SimulatedProvider) Execute(ctx context.Context, systemPrompt, userInput string) (json.RawMessage, string, int, error) {
	select {
	case <-ctx.Done():
		return nil, "", 0, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	lower := strings.ToLower(systemPrompt)
	var result map[string]interface{}
	switch {
	case strings.Contains(lower, "code-review"):
		result = map[string]interface{}{
			"issues":  []string{},
			"summary": "No issues detected (simulated review)",
			"score":   95,
		}
	case strings.Contains(lower, "sentiment"):
		result = map[string]interface{}{
			"sentiment":  "neutral",
			"confidence": 0.5,
			"analysis":   "Simulated sentiment analysis",
		}
	default:
		result = map[string]interface{}{
			"status": "success",
			"result": "Simulated execution completed",
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, "", 0, err
	}
	return json.RawMessage(payload), simulatedModel, simulatedTokens, nil
}

// Close is a no-op.
func (p *SimulatedProvider) Close() error { return nil }
