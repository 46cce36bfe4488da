// Package pipeline 把若干文本阶段串成一个顺序执行的阶段
package pipeline

import (
	"context"
	"fmt"
)

// Stage 接收一段文本，返回一段文本
type Stage interface {
	Invoke(ctx context.Context, input string) (string, error)
}

// StageFunc 让普通函数满足 Stage
type StageFunc func(ctx context.Context, input string) (string, error)

func (f StageFunc) Invoke(ctx context.Context, input string) (string, error) {
	return f(ctx, input)
}

// Identity 原样返回输入，Compose 没有阶段时使用
var Identity Stage = StageFunc(func(_ context.Context, input string) (string, error) {
	return input, nil
})

type composed struct {
	stages []Stage
}

// Compose 按顺序执行各阶段，前一阶段的输出是后一阶段唯一的输入。
// 任一阶段出错即中止，后续阶段不会执行。
func Compose(stages ...Stage) Stage {
	if len(stages) == 0 {
		return Identity
	}
	if len(stages) == 1 {
		return stages[0]
	}
	flat := make([]Stage, 0, len(stages))
	for _, s := range stages {
		if c, ok := s.(*composed); ok {
			flat = append(flat, c.stages...)
			continue
		}
		flat = append(flat, s)
	}
	return &composed{stages: flat}
}

func (c *composed) Invoke(ctx context.Context, input string) (string, error) {
	current := input
	for i, s := range c.stages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		out, err := s.Invoke(ctx, current)
		if err != nil {
			return "", fmt.Errorf("stage %d: %w", i, err)
		}
		current = out
	}
	return current, nil
}
