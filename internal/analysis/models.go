package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/resilience"
	"github.com/civicsignal/billcost/pkg/llm"
)

// ModelUnavailableError is returned when every configured model for a
// use case has been tried and failed.
type ModelUnavailableError struct {
	UseCase model.UseCase
	Tried   []string
	LastErr error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("analysis: no model available for %s (tried %v): %v", e.UseCase, e.Tried, e.LastErr)
}

func (e *ModelUnavailableError) Unwrap() error { return e.LastErr }

// complete walks the configured fallback chain for a use case: models
// are tried in priority order, each under the stage timeout with
// transient retries, until one answers. Returns the response and the
// model that produced it.
func (p *Pipeline) complete(ctx context.Context, uc model.UseCase, override, system, prompt string) (*llm.CompletionResponse, string, error) {
	configs, err := p.store.ListModelConfigs(ctx)
	if err != nil {
		return nil, "", eris.Wrap(err, "analysis: load model configs")
	}
	chain := model.SelectModels(configs, uc)
	if override != "" {
		chain = promoteModel(chain, override)
	}
	if len(chain) == 0 {
		return nil, "", &ModelUnavailableError{UseCase: uc, LastErr: eris.New("no enabled models configured")}
	}

	timeout := time.Duration(p.cfg.StageTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxTokens := p.cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	var tried []string
	var lastErr error
	for _, mc := range chain {
		client := p.providers.Get(mc.Provider)
		if client == nil {
			zap.L().Warn("analysis: no client for provider",
				zap.String("provider", mc.Provider),
				zap.String("model", mc.ModelName))
			tried = append(tried, mc.ModelName)
			lastErr = eris.Errorf("provider %s not configured", mc.Provider)
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		retryCfg := resilience.DefaultRetryConfig()
		retryCfg.OnRetry = resilience.RetryLogger(mc.Provider, string(uc))

		resp, err := resilience.DoVal(attemptCtx, retryCfg, func(ctx context.Context) (*llm.CompletionResponse, error) {
			return client.Complete(ctx, llm.CompletionRequest{
				Model:     mc.ModelName,
				MaxTokens: maxTokens,
				System:    system,
				Prompt:    prompt,
			})
		})
		cancel()

		if err == nil {
			resp.Usage.LogCost(mc.ModelName, string(uc))
			return resp, mc.ModelName, nil
		}

		tried = append(tried, mc.ModelName)
		lastErr = err
		zap.L().Warn("analysis: model failed, trying next in chain",
			zap.String("model", mc.ModelName),
			zap.String("use_case", string(uc)),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, "", &ModelUnavailableError{UseCase: uc, Tried: tried, LastErr: lastErr}
}

// promoteModel moves the named model to the front of the chain. An
// unknown name leaves the chain unchanged.
func promoteModel(chain []model.ModelConfig, name string) []model.ModelConfig {
	for i, mc := range chain {
		if mc.ModelName == name {
			out := make([]model.ModelConfig, 0, len(chain))
			out = append(out, chain[i])
			out = append(out, chain[:i]...)
			out = append(out, chain[i+1:]...)
			return out
		}
	}
	return chain
}

// systemPrompt fetches the active prompt for a stage. A missing prompt
// is a configuration error, not a silent default.
func (p *Pipeline) systemPrompt(ctx context.Context, pt model.PromptType) (string, error) {
	prompt, err := p.store.ActivePrompt(ctx, pt)
	if err != nil {
		return "", eris.Wrapf(err, "analysis: load %s prompt", pt)
	}
	return prompt.Content, nil
}
