package collab

import (
	"context"
	"errors"
)

const DefaultMaxSemaphore = 100

// 信号量控制：限制同时处理的提交数 / 同时在飞的 Kafka 发送数
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = DefaultMaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("release failed, semaphore is not acquired")
	}
}
