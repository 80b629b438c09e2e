package svc

import "errors"

// ErrNoSourcesEnabled 错误：没有启用任何价格源
var ErrNoSourcesEnabled = errors.New("no price sources enabled")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
