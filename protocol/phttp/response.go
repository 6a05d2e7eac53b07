// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package phttp

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http/httpguts"

	"github.com/packetd/hyperd/app"
)

var (
	charCRLF       = []byte("\r\n")
	charHeadEnd    = []byte("\r\n\r\n")
	charChunkedEnd = []byte("0\r\n\r\n")
	charHTTP11     = "HTTP/1.1 "
)

// hopHeaders 由 decoder 负责维护的头部 应用设置的值会被忽略
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
}

// writeHead 编码响应行以及响应头
//
// contentLength 小于 0 时根据 chunked 决定是否设置 Transfer-Encoding
func writeHead(bb *bytebufferpool.ByteBuffer, status int, headers []app.Header, contentLength int, chunked, keepAlive bool) {
	bb.WriteString(charHTTP11)
	bb.WriteString(strconv.Itoa(status))
	bb.WriteString(" ")
	bb.WriteString(http.StatusText(status))
	bb.Write(charCRLF)

	for _, h := range headers {
		if hopHeaders[strings.ToLower(h.Name)] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
			continue
		}
		writeHeader(bb, h.Name, h.Value)
	}

	if contentLength >= 0 {
		writeHeader(bb, "Content-Length", strconv.Itoa(contentLength))
	}
	if chunked {
		writeHeader(bb, "Transfer-Encoding", "chunked")
	}
	if !keepAlive {
		writeHeader(bb, "Connection", "close")
	}
	bb.Write(charCRLF)
}

func writeHeader(bb *bytebufferpool.ByteBuffer, name, value string) {
	bb.WriteString(name)
	bb.WriteString(": ")
	bb.WriteString(value)
	bb.Write(charCRLF)
}

// writeChunk 以 chunked 编码写入 body 片段 空片段不写入 避免被误认为结束标记
func writeChunk(bb *bytebufferpool.ByteBuffer, b []byte) {
	if len(b) == 0 {
		return
	}
	bb.WriteString(strconv.FormatInt(int64(len(b)), 16))
	bb.Write(charCRLF)
	bb.Write(b)
	bb.Write(charCRLF)
}

// lookupHeader 返回 name 对应的首个值 大小写不敏感
func lookupHeader(headers []app.Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// wantsClose 应用是否在响应头中要求关闭链接
func wantsClose(headers []app.Header) bool {
	var values []string
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Connection") {
			values = append(values, h.Value)
		}
	}
	return httpguts.HeaderValuesContainsToken(values, "close")
}

// errorResponse 编码一个无 body 的错误响应
func errorResponse(status int, keepAlive bool) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	writeHead(bb, status, nil, 0, false, keepAlive)
	return append([]byte(nil), bb.B...)
}
