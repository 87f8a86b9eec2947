package h2

import (
	"encoding/binary"

	"golang.org/x/net/http2"

	"github.com/ozontech/callflow/consts"
	"github.com/ozontech/callflow/frameheader"
)

const (
	frameBufSize = frameheader.Size + consts.DefaultMaxFrameSize

	// windowUpdateMinValue - порог, после которого возвращаем пиру окно
	windowUpdateMinValue = consts.DefaultInitialWindowSize / 4
	// recvBufferLimit - сколько байт непрочитанных сообщений стрим держит,
	// прежде чем перестать возвращать окно
	recvBufferLimit = consts.DefaultInitialWindowSize

	msgHeaderSize = 5 // флаг сжатия + длина
)

// appendHeaders режет блок на HEADERS и CONTINUATION не длиннее maxFrameSize.
func appendHeaders(b []byte, streamID uint32, block []byte, endStream bool, maxFrameSize int) []byte {
	first := true
	for {
		chunk := block
		if len(chunk) > maxFrameSize {
			chunk = chunk[:maxFrameSize]
		}
		block = block[len(chunk):]

		t := http2.FrameContinuation
		var flags http2.Flags
		if first {
			t = http2.FrameHeaders
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
		}
		if len(block) == 0 {
			flags |= http2.FlagHeadersEndHeaders
		}
		b = frameheader.AppendFrame(b, t, flags, streamID, chunk)
		if len(block) == 0 {
			return b
		}
		first = false
	}
}

func appendData(b []byte, streamID uint32, payload []byte, endStream bool) []byte {
	var flags http2.Flags
	if endStream {
		flags = http2.FlagDataEndStream
	}
	return frameheader.AppendFrame(b, http2.FrameData, flags, streamID, payload)
}

func appendWindowUpdate(b []byte, streamID, incr uint32) []byte {
	return frameheader.AppendFrame(b, http2.FrameWindowUpdate, 0, streamID, binary.BigEndian.AppendUint32(nil, incr))
}

func appendRSTStream(b []byte, streamID uint32, code http2.ErrCode) []byte {
	return frameheader.AppendFrame(b, http2.FrameRSTStream, 0, streamID, binary.BigEndian.AppendUint32(nil, uint32(code)))
}

func appendPingAck(b []byte, data [8]byte) []byte {
	return frameheader.AppendFrame(b, http2.FramePing, http2.FlagPingAck, 0, data[:])
}

func appendSettings(b []byte, settings ...http2.Setting) []byte {
	payload := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		payload = binary.BigEndian.AppendUint16(payload, uint16(s.ID))
		payload = binary.BigEndian.AppendUint32(payload, s.Val)
	}
	return frameheader.AppendFrame(b, http2.FrameSettings, 0, 0, payload)
}

func appendSettingsAck(b []byte) []byte {
	return frameheader.AppendFrame(b, http2.FrameSettings, http2.FlagSettingsAck, 0, nil)
}

func appendGoAway(b []byte, lastStreamID uint32, code http2.ErrCode, debug []byte) []byte {
	payload := make([]byte, 8, 8+len(debug))
	binary.BigEndian.PutUint32(payload, lastStreamID&(1<<31-1))
	binary.BigEndian.PutUint32(payload[4:], uint32(code))
	payload = append(payload, debug...)
	return frameheader.AppendFrame(b, http2.FrameGoAway, 0, 0, payload)
}

// appendMessage дописывает сообщение в формате gRPC Length-Prefixed-Message.
func appendMessage(b []byte, compressed bool, payload []byte) []byte {
	var flag byte
	if compressed {
		flag = 1
	}
	b = append(b, flag)
	b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}
