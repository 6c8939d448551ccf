package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/commercewatch/prodscan/internal/domain"
)

// navigator interprets the navigation step list of a browser strategy
// against a pooled browser tab, then evaluates the extraction expression
// and decodes the result into the common payload shape.
type navigator struct {
	steps []domain.NavigationStep
	// extract is a JavaScript expression evaluated after the last step;
	// it must yield a JSON object.
	extract string
}

func (n navigator) run(ctx context.Context, page context.Context, productID string) (payload, error) {
	for i, step := range n.steps {
		if err := n.runStep(ctx, page, step, productID); err != nil {
			return payload{}, fmt.Errorf("step %d (%s): %w", i, step.Kind, err)
		}
	}

	pl := payload{StatusCode: 200}
	if err := chromedp.Run(page, chromedp.Location(&pl.FinalURL)); err != nil {
		return payload{}, fmt.Errorf("location: %w", err)
	}
	if n.extract != "" {
		var raw json.RawMessage
		if err := chromedp.Run(page, chromedp.Evaluate(n.extract, &raw)); err != nil {
			return payload{}, fmt.Errorf("evaluate: %w", err)
		}
		if err := json.Unmarshal(raw, &pl.Data); err != nil {
			return payload{}, fmt.Errorf("%w: extraction result is not an object: %v", domain.ErrUpstreamProtocol, err)
		}
	}
	return pl, nil
}

func (n navigator) runStep(ctx context.Context, page context.Context, step domain.NavigationStep, productID string) error {
	stepCtx := page
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(page, step.Timeout)
		defer cancel()
	}

	switch step.Kind {
	case domain.StepNavigate:
		return chromedp.Run(stepCtx, chromedp.Navigate(renderTemplate(step.Value, productID)))
	case domain.StepWaitForSelector:
		return chromedp.Run(stepCtx, chromedp.WaitVisible(step.Selector, chromedp.ByQuery))
	case domain.StepWait:
		d, err := time.ParseDuration(step.Value)
		if err != nil {
			return fmt.Errorf("%w: bad wait duration %q", domain.ErrInvalidArgument, step.Value)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	case domain.StepClick:
		return chromedp.Run(stepCtx, chromedp.Click(step.Selector, chromedp.ByQuery))
	case domain.StepType:
		return chromedp.Run(stepCtx, chromedp.SendKeys(step.Selector, renderTemplate(step.Value, productID), chromedp.ByQuery))
	case domain.StepEvaluate:
		var discard json.RawMessage
		return chromedp.Run(stepCtx, chromedp.Evaluate(renderTemplate(step.Value, productID), &discard))
	default:
		return fmt.Errorf("%w: unknown step kind %q", domain.ErrInvalidArgument, step.Kind)
	}
}
