package engine

import "errors"

var (
	ErrSourceDown       = errors.New("rpc source is not connected")
	ErrQueueStopped     = errors.New("fetch queue stopped")
	ErrSinkNotConnected = errors.New("sink is not connected")
	ErrSinkExhausted    = errors.New("sink reconnect attempts exhausted")
)
