package solver

import (
	"context"

	"captcha_engine/internal/captcha"
	"captcha_engine/internal/model"
	"captcha_engine/internal/trajectory"
)

type withTrajectory struct {
	captcha.Solver
	gen *trajectory.Generator
}

// WithTrajectory attaches a drag trajectory to successful slider results
// of inner that do not carry one yet.
func WithTrajectory(inner captcha.Solver, gen *trajectory.Generator) captcha.Solver {
	if gen == nil {
		return inner
	}
	return &withTrajectory{Solver: inner, gen: gen}
}

func (w *withTrajectory) Solve(ctx context.Context, req *model.CaptchaRequest) (*model.CaptchaResult, error) {
	res, err := w.Solver.Solve(ctx, req)
	if err != nil || res == nil {
		return res, err
	}
	if res.Success && res.SliderOffset > 0 && len(res.Trajectory) == 0 {
		res.Trajectory = w.gen.Generate(res.SliderOffset)
	}
	return res, nil
}
