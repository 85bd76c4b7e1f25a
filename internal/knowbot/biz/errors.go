package biz

import "errors"

// 检索与生成管线中可区分的失败类别。
// 调用方通过 errors.Is 判定，据此选择对应的固定回复文案。
var (
	// ErrIndexUnavailable 索引构建失败后处于哨兵态，检索请求一律拒绝。
	ErrIndexUnavailable = errors.New("knowledge index unavailable")

	// ErrExternalService 外部模型服务调用失败（embedding 或 chat）。
	// 生成调用的失败不走 error 通道，由 ResultKind 区分。
	ErrExternalService = errors.New("external model service failure")
)
