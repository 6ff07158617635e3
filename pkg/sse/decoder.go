// Package sse 提供了 Server-Sent-Events 帧的增量解析功能。
package sse

import "strings"

// Frame 代表一个完整的 SSE 帧：一个事件名加上其数据负载。
// 多行 data 字段在解析时以换行符拼接。
type Frame struct {
	Event string
	Data  string
}

// Decode 对累积缓冲区执行一次增量解析。
// buf 是上一次未消费的 remainder 与新到达分块拼接后的文本。
// 返回所有已被空行终结的完整帧（按到达顺序），以及尚未终结的尾部文本，
// 调用方需在下一个分块到达时把 remainder 拼接到分块之前再次调用。
//
// 只有同时具有非空 event 名和至少一行 data 的块才会产出帧；
// 缺字段的块被静默丢弃，不影响后续块的解析。
// Decode 是纯函数：所有状态都由调用方通过 remainder 显式传递。
func Decode(buf string) ([]Frame, string) {
	var frames []Frame

	for {
		// 帧以空行终结：LF 流是 "\n\n"，全 CRLF 流是 "\r\n\r\n"。
		// 取先出现的那个；未见到终结符的部分全部留作 remainder。
		idx, width := strings.Index(buf, "\n\n"), 2
		if cr := strings.Index(buf, "\r\n\r\n"); cr >= 0 && (idx < 0 || cr < idx) {
			idx, width = cr, 4
		}
		if idx < 0 {
			return frames, buf
		}

		block := buf[:idx]
		buf = buf[idx+width:]

		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
}

// parseBlock 解析一个已终结的字段块。
func parseBlock(block string) (Frame, bool) {
	var (
		event       string
		dataBuilder strings.Builder
		hasData     bool
	)

	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if hasData {
				dataBuilder.WriteByte('\n')
			}
			dataBuilder.WriteString(strings.TrimPrefix(line[len("data:"):], " "))
			hasData = true
		}
	}

	if event == "" || !hasData {
		return Frame{}, false
	}
	return Frame{Event: event, Data: dataBuilder.String()}, true
}
