package h2

import (
	"go.uber.org/zap"

	"github.com/ozontech/callflow/compress"
	"github.com/ozontech/callflow/consts"
)

type config struct {
	log                  *zap.Logger
	compressors          *compress.Registry
	maxConcurrentStreams uint32
	maxRecvMessageSize   int
	maxSendMessageSize   int
	maxHeaderListSize    uint32
	userAgent            string
	authority            string
}

func newConfig(opts []Opt) *config {
	cfg := &config{
		log:                zap.NewNop(),
		compressors:        compress.Default(),
		maxRecvMessageSize: consts.DefaultMaxRecvMessageSize,
		maxSendMessageSize: consts.DefaultMaxSendMessageSize,
		maxHeaderListSize:  consts.DefaultMaxHeaderListSize,
		userAgent:          consts.UserAgent,
	}
	for _, o := range opts {
		o.apply(cfg)
	}
	return cfg
}

type Opt interface {
	apply(*config)
}

type optFunc func(*config)

func (f optFunc) apply(c *config) { f(c) }

func WithLogger(log *zap.Logger) Opt {
	return optFunc(func(c *config) { c.log = log })
}

// WithCompressors задает поддерживаемые grpc-encoding.
func WithCompressors(r *compress.Registry) Opt {
	return optFunc(func(c *config) { c.compressors = r })
}

// WithMaxConcurrentStreams ограничивает число входящих стримов на соединение.
// 0 - без ограничений.
type WithMaxConcurrentStreams uint32

func (v WithMaxConcurrentStreams) apply(c *config) { c.maxConcurrentStreams = uint32(v) }

type WithMaxRecvMessageSize int

func (v WithMaxRecvMessageSize) apply(c *config) { c.maxRecvMessageSize = int(v) }

type WithMaxSendMessageSize int

func (v WithMaxSendMessageSize) apply(c *config) { c.maxSendMessageSize = int(v) }

type WithMaxHeaderListSize uint32

func (v WithMaxHeaderListSize) apply(c *config) { c.maxHeaderListSize = uint32(v) }

type WithUserAgent string

func (v WithUserAgent) apply(c *config) { c.userAgent = string(v) }

// WithAuthority переопределяет :authority клиентских запросов.
type WithAuthority string

func (v WithAuthority) apply(c *config) { c.authority = string(v) }
