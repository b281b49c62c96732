package elements

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/format/rtpmjpeg"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/pipeline"
)

func unmarshalAll(t *testing.T, bufs []*pipeline.Buffer) []*rtp.Packet {
	t.Helper()
	out := make([]*rtp.Packet, len(bufs))
	for i, b := range bufs {
		pkt := &rtp.Packet{}
		require.NoError(t, pkt.Unmarshal(b.Data))
		out[i] = pkt
	}
	return out
}

func TestFragmentPayloader_SplitsAndReassembles(t *testing.T) {
	frame := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 50)
	frags := fragmentPayloader{}.Payload(101, frame)
	require.Len(t, frags, 3)
	assert.Equal(t, byte(fragmentStartBit), frags[0][0])
	assert.Equal(t, byte(0), frags[1][0])
	assert.Equal(t, byte(fragmentEndBit), frags[2][0])

	var acc []byte
	var done bool
	for _, f := range frags {
		acc, done = Reassemble(acc, f)
	}
	assert.True(t, done)
	assert.Equal(t, frame, acc)

	assert.Nil(t, fragmentPayloader{}.Payload(1, frame))
	assert.Nil(t, fragmentPayloader{}.Payload(100, nil))
}

func TestRTPGenPay_PacketizesWithPTSTimestamps(t *testing.T) {
	pay := NewRTPGenPay("pay")
	require.NoError(t, pay.SetProperty("mtu", "100"))
	require.NoError(t, pay.SetProperty("pt", "97"))
	require.NoError(t, pay.SetProperty("ssrc", "0x1234"))
	rec := newRecorder(nil)
	require.NoError(t, pay.SrcPad().Link(rec.pad))
	feed := newFeeder(t, pay.Pad("sink"))

	sendCaps(t, feed, "image/jpeg, width=16, height=16")
	frame := bytes.Repeat([]byte{0xab}, 250)
	require.NoError(t, feed.Push(context.Background(), &pipeline.Buffer{PTS: time.Second, Data: frame, KeyFrame: true}))
	require.NoError(t, feed.Push(context.Background(), &pipeline.Buffer{PTS: time.Second + 100*time.Millisecond, Data: frame[:10]}))

	caps := rec.lastCaps()
	name, _ := caps.Get("encoding-name")
	media, _ := caps.Get("media")
	pt, _ := caps.Int("payload")
	assert.Equal(t, "X-JPEG", name)
	assert.Equal(t, "video", media)
	assert.Equal(t, 97, pt)

	// 100 byte packets leave 87 payload bytes after the RTP and fragment headers
	pkts := unmarshalAll(t, rec.buffers())
	require.Len(t, pkts, 4)
	for _, p := range pkts {
		assert.Equal(t, uint32(0x1234), p.SSRC)
		assert.Equal(t, uint8(97), p.PayloadType)
	}
	assert.Equal(t, pkts[0].Timestamp, pkts[2].Timestamp)
	assert.False(t, pkts[0].Marker)
	assert.True(t, pkts[2].Marker)
	assert.Equal(t, uint32(9000), pkts[3].Timestamp-pkts[0].Timestamp)
	assert.Equal(t, pkts[0].SequenceNumber+3, pkts[3].SequenceNumber)
	assert.True(t, rec.buffers()[0].KeyFrame)
	assert.False(t, rec.buffers()[1].KeyFrame)

	var acc []byte
	var done bool
	for _, p := range pkts[:3] {
		acc, done = Reassemble(acc, p.Payload)
	}
	require.True(t, done)
	assert.Equal(t, frame, acc)

	stats := pay.PayloadStats()
	assert.Equal(t, uint32(4), stats.Packets)
	assert.Equal(t, pkts[3].Timestamp, stats.LastTimestamp)
	assert.Equal(t, time.Second+100*time.Millisecond, stats.LastPTS)
	assert.True(t, stats.HaveLast)

	m, enc, rate := pay.Encoding()
	assert.Equal(t, []interface{}{"video", "X-JPEG", uint32(90000)}, []interface{}{m, enc, rate})
}

func TestRTPGenPay_RawAudioEncodingName(t *testing.T) {
	pay := NewRTPGenPay("pay")
	require.NoError(t, pay.SetProperty("clock-rate", "48000"))
	out := pay.SetInputCaps(pipeline.MustParseCaps("audio/x-raw, format=S16LE"))
	name, _ := out.Get("encoding-name")
	rate, _ := out.Int("clock-rate")
	assert.Equal(t, "X-RAW", name)
	assert.Equal(t, 48000, rate)
	assert.True(t, pay.Negotiated())
}

func TestRTPGenPay_InvalidProperties(t *testing.T) {
	pay := NewRTPGenPay("pay")
	assert.Error(t, pay.SetProperty("pt", "128"))
	assert.Error(t, pay.SetProperty("mtu", "10"))
	assert.Error(t, pay.SetProperty("ssrc", "-1"))
	assert.Error(t, pay.SetProperty("clock-rate", "0"))
}

func TestRTPH264Pay_FragmentsLargeNAL(t *testing.T) {
	pay := NewRTPH264Pay("pay")
	rec := newRecorder(nil)
	require.NoError(t, pay.SrcPad().Link(rec.pad))
	feed := newFeeder(t, pay.Pad("sink"))
	sendCaps(t, feed, "video/x-h264, stream-format=byte-stream")

	au := append([]byte{0, 0, 0, 1, 0x65}, bytes.Repeat([]byte{0x11}, 3000)...)
	require.NoError(t, feed.Push(context.Background(), &pipeline.Buffer{PTS: 0, Data: au, KeyFrame: true}))

	pkts := unmarshalAll(t, rec.buffers())
	require.GreaterOrEqual(t, len(pkts), 3)
	// FU-A indicator type 28
	assert.Equal(t, byte(28), pkts[0].Payload[0]&0x1f)
	assert.True(t, pkts[len(pkts)-1].Marker)
	for _, p := range pkts {
		assert.Equal(t, pkts[0].Timestamp, p.Timestamp)
		assert.LessOrEqual(t, len(p.Payload), DefaultMTU-rtpHeaderSize)
	}
	name, _ := rec.lastCaps().Get("encoding-name")
	assert.Equal(t, "H264", name)
}

func TestRTPH264Pay_RejectsRawVideo(t *testing.T) {
	pay := NewRTPH264Pay("pay")
	err := pay.Pad("sink").Accept(pipeline.MustParseCaps("video/x-raw"))
	assert.ErrorIs(t, err, pipeline.ErrNotNegotiated)
}

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 4), 0x80, 0xff})
		}
	}
	var out bytes.Buffer
	require.NoError(t, jpeg.Encode(&out, img, &jpeg.Options{Quality: 80}))
	return out.Bytes()
}

func TestRTPJPEGPay_StandardPayload(t *testing.T) {
	pay := NewRTPJPEGPay("pay")
	require.NoError(t, pay.SetProperty("mtu", "200"))
	rec := newRecorder(nil)
	require.NoError(t, pay.SrcPad().Link(rec.pad))
	feed := newFeeder(t, pay.Pad("sink"))
	sendCaps(t, feed, "image/jpeg, width=64, height=48")

	frame := testJPEG(t, 64, 48)
	require.NoError(t, feed.Push(context.Background(), &pipeline.Buffer{PTS: time.Second, Data: frame, KeyFrame: true}))

	caps := rec.lastCaps()
	name, _ := caps.Get("encoding-name")
	pt, _ := caps.Int("payload")
	assert.Equal(t, "JPEG", name)
	assert.Equal(t, JPEGPayloadType, pt)

	pkts := unmarshalAll(t, rec.buffers())
	require.Greater(t, len(pkts), 1)
	dec := &rtpmjpeg.Decoder{}
	require.NoError(t, dec.Init())
	var got []byte
	for i, p := range pkts {
		assert.Equal(t, uint8(JPEGPayloadType), p.PayloadType)
		assert.Equal(t, pkts[0].Timestamp, p.Timestamp)
		assert.LessOrEqual(t, len(p.Payload), 200-rtpHeaderSize)
		assert.Equal(t, i == len(pkts)-1, p.Marker)
		out, err := dec.Decode(p)
		if errors.Is(err, rtpmjpeg.ErrMorePacketsNeeded) {
			continue
		}
		require.NoError(t, err)
		got = out
	}
	require.NotNil(t, got)
	img, err := jpeg.Decode(bytes.NewReader(got))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())

	m, enc, rate := pay.Encoding()
	assert.Equal(t, []interface{}{"video", "JPEG", uint32(90000)}, []interface{}{m, enc, rate})
}

func TestRTPJPEGPay_SkipsUnsupportedFrame(t *testing.T) {
	pay := NewRTPJPEGPay("pay")
	rec := newRecorder(nil)
	require.NoError(t, pay.SrcPad().Link(rec.pad))
	feed := newFeeder(t, pay.Pad("sink"))
	sendCaps(t, feed, "image/jpeg")

	require.NoError(t, feed.Push(context.Background(), &pipeline.Buffer{Data: []byte("not a jpeg")}))
	assert.Empty(t, rec.buffers())
	assert.Equal(t, uint32(0), pay.PayloadStats().Packets)

	require.NoError(t, feed.Push(context.Background(), &pipeline.Buffer{Data: testJPEG(t, 16, 16)}))
	assert.NotEmpty(t, rec.buffers())
}
