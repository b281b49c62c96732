package rtsp

import (
	"fmt"
	"io"
	"strings"

	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/headers"
)

var publicMethods = base.HeaderValue{strings.Join([]string{
	string(base.Options), string(base.Describe), string(base.Setup), string(base.Play),
	string(base.Pause), string(base.Teardown), string(base.GetParameter),
}, ", ")}

// interleaved frames carry RTP and RTCP on the RTSP connection:
// '$', channel, 16-bit length, payload
const (
	interleavedMagic      = '$'
	maxInterleavedPayload = 0xffff
)

// newResponse answers req, echoing its CSeq
func newResponse(code base.StatusCode, req *base.Request) *base.Response {
	res := &base.Response{StatusCode: code, Header: base.Header{}}
	if req != nil {
		if cseq, ok := req.Header["CSeq"]; ok {
			res.Header["CSeq"] = cseq
		}
	}
	return res
}

func headerValue(h base.Header, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// sessionID returns the Session header's ID without its parameters
func sessionID(h base.Header) string {
	v, ok := h["Session"]
	if !ok {
		return ""
	}
	var s headers.Session
	if err := s.Unmarshal(v); err != nil {
		return ""
	}
	return s.Session
}

func requestURI(req *base.Request) string {
	if req.URL == nil {
		return "*"
	}
	return req.URL.String()
}

func writeInterleaved(w io.Writer, channel int, data []byte) error {
	if len(data) > maxInterleavedPayload {
		return fmt.Errorf("interleaved frame too large: %d", len(data))
	}
	frame := base.InterleavedFrame{Channel: channel, Payload: data}
	buf, err := frame.Marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
