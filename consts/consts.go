package consts

import (
	"math"
	"time"
)

const (
	RecieveBufferSize = 2048
	SendBatchSize     = 64 // максимальное количество фреймов в одном net.Buffers.WriteTo

	DefaultInitialWindowSize = 65_535
	DefaultTimeout           = 11 * time.Second
	DefaultMaxFrameSize      = 16384 // DefaultMaxFrameSize - максимальная длина пейлоада фрейма в grpc. У http2 ограничение больше.
	DefaultMaxHeaderListSize = math.MaxUint32
	DefaultHeaderTableSize   = 4096

	DefaultMaxRecvMessageSize = 4 << 20
	DefaultMaxSendMessageSize = math.MaxInt32

	DefaultRegistrySize = 64

	UserAgent = "callflow-go/1.0"
)
