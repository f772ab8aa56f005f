package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

const maxSSELine = 1 << 20

// SendSSEChunk 发送Server-Sent Events数据块
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal sse payload")
		return
	}

	if _, err := w.Write([]byte("data: ")); err != nil {
		log.Debug().Err(err).Msg("failed to write sse prefix")
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Debug().Err(err).Msg("failed to write sse payload")
		return
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		log.Debug().Err(err).Msg("failed to write sse terminator")
		return
	}
	flusher.Flush()
}

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// ReadSSE 逐帧读取SSE数据，多行 data 以换行拼接后交给 fn。
// fn 返回 io.EOF 时提前结束且不视为错误。
func ReadSSE(r io.Reader, fn func(data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxSSELine)

	var frame bytes.Buffer
	hasData := false
	dispatch := func() error {
		if !hasData {
			return nil
		}
		data := append([]byte(nil), frame.Bytes()...)
		frame.Reset()
		hasData = false
		return fn(data)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if err := dispatch(); err != nil {
				return stopOnEOF(err)
			}
		case line[0] == ':':
			// 注释/心跳
		case bytes.HasPrefix(line, []byte("data:")):
			value := bytes.TrimPrefix(line[len("data:"):], []byte(" "))
			if hasData {
				frame.WriteByte('\n')
			}
			frame.Write(value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return stopOnEOF(dispatch())
}

func stopOnEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
