package intent

import (
	"context"

	"go.uber.org/zap"
)

// Fallback tries Primary first and degrades to Secondary on any failure.
// Parse on a Fallback never returns an error.
type Fallback struct {
	Primary   Parser
	Secondary *RuleBased
	Logger    *zap.Logger
}

func NewFallback(primary Parser, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		Primary:   primary,
		Secondary: NewRuleBased(),
		Logger:    logger,
	}
}

func (f *Fallback) Name() string {
	if f.Primary == nil {
		return f.Secondary.Name()
	}
	return f.Primary.Name() + "+" + f.Secondary.Name()
}

func (f *Fallback) Parse(ctx context.Context, text string) (Intent, error) {
	if f.Primary != nil {
		in, err := f.Primary.Parse(ctx, text)
		if err == nil {
			err = in.Validate()
		}
		if err == nil {
			return in, nil
		}
		f.Logger.Info("intent parser fallback",
			zap.String("parser", f.Primary.Name()),
			zap.String("fallback", f.Secondary.Name()),
			zap.Error(err),
		)
		in, _ = f.Secondary.Parse(ctx, text)
		in.FallbackUsed = true
		return in, nil
	}

	in, _ := f.Secondary.Parse(ctx, text)
	return in, nil
}
