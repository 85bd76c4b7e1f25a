package pool

import "errors"

var (
	// ErrPoolClosed 池已关闭，不再接受任务。
	ErrPoolClosed = errors.New("pool: closed")

	// ErrPoolOverload 池已饱和，任务被拒绝。
	ErrPoolOverload = errors.New("pool: overloaded, task rejected")
)
