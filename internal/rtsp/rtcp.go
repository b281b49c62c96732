package rtsp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtcp"
)

// NTPTimeSource selects what the NTP half of a sender report carries.
// Values follow the rtpbin ntp-time-source numbering.
type NTPTimeSource int

const (
	// NTPTimeSourceNTP is wall time on the NTP epoch
	NTPTimeSourceNTP NTPTimeSource = iota
	// NTPTimeSourceUnix is wall time on the Unix epoch
	NTPTimeSourceUnix
	// NTPTimeSourceRunningTime is the media pipeline's running time
	NTPTimeSourceRunningTime
	// NTPTimeSourceClockTime is the pipeline clock. With a shared network
	// clock every receiver can map RTP time onto the same timeline.
	NTPTimeSourceClockTime
)

func (s NTPTimeSource) String() string {
	switch s {
	case NTPTimeSourceNTP:
		return "ntp"
	case NTPTimeSourceUnix:
		return "unix"
	case NTPTimeSourceRunningTime:
		return "running-time"
	case NTPTimeSourceClockTime:
		return "clock-time"
	default:
		return fmt.Sprintf("ntp-time-source(%d)", int(s))
	}
}

// ParseNTPTimeSource accepts a name or the numeric value
func ParseNTPTimeSource(s string) (NTPTimeSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ntp", "0":
		return NTPTimeSourceNTP, nil
	case "unix", "1":
		return NTPTimeSourceUnix, nil
	case "running-time", "2":
		return NTPTimeSourceRunningTime, nil
	case "clock-time", "3":
		return NTPTimeSourceClockTime, nil
	}
	return 0, fmt.Errorf("unknown ntp time source %q", s)
}

// ntpEpochOffset is the span from 1900-01-01 to 1970-01-01
const ntpEpochOffset = 2208988800 * time.Second

// DefaultSenderReportInterval is the RTCP sender report cadence
const DefaultSenderReportInterval = 5 * time.Second

// toNTP packs a duration into the 32.32 fixed point NTP format
func toNTP(d time.Duration) uint64 {
	if d < 0 {
		d = 0
	}
	secs := uint64(d / time.Second)
	frac := (uint64(d%time.Second) << 32) / uint64(time.Second)
	return secs<<32 | frac
}

// fromNTP unpacks a 32.32 NTP value
func fromNTP(v uint64) time.Duration {
	secs := time.Duration(v>>32) * time.Second
	frac := time.Duration(((v & 0xffffffff) * uint64(time.Second)) >> 32)
	return secs + frac
}

// senderReport describes a stream as of now. The RTP time is
// extrapolated from the last payloaded buffer to the running time being
// presented, so it lines up with the NTP time reported beside it.
func (m *Media) senderReport(s *Stream) (*rtcp.SenderReport, bool) {
	stats := s.pay.PayloadStats()
	clk := m.pipeline.Clock()
	if !stats.HaveLast || clk == nil || stats.ClockRate == 0 {
		return nil, false
	}
	now := clk.Time()
	wall := time.Now()
	running := now - m.pipeline.BaseTime()

	elapsed := running - m.pipeline.Latency() - stats.LastPTS
	rtpTime := stats.LastTimestamp + uint32(int64(elapsed)*int64(stats.ClockRate)/int64(time.Second))

	var ntp time.Duration
	switch m.RTP.NTPTimeSource {
	case NTPTimeSourceClockTime:
		ntp = now + ntpEpochOffset
	case NTPTimeSourceRunningTime:
		ntp = running
	case NTPTimeSourceUnix:
		ntp = time.Duration(wall.UnixNano())
	default:
		ntp = time.Duration(wall.UnixNano()) + ntpEpochOffset
	}

	return &rtcp.SenderReport{
		SSRC:        stats.SSRC,
		NTPTime:     toNTP(ntp),
		RTPTime:     rtpTime,
		PacketCount: stats.Packets,
		OctetCount:  stats.Octets,
	}, true
}

// reportPacket is the compound SR + SDES sent for a stream
func (m *Media) reportPacket(s *Stream) ([]byte, bool) {
	sr, ok := m.senderReport(s)
	if !ok {
		return nil, false
	}
	sdes := &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
		Source: sr.SSRC,
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: m.cname}},
	}}}
	data, err := rtcp.Marshal([]rtcp.Packet{sr, sdes})
	if err != nil {
		m.logger.Warn("marshal sender report", "error", err)
		return nil, false
	}
	return data, true
}

// sendReports queues a sender report to every playing target
func (m *Media) sendReports() {
	for _, s := range m.streams {
		data, ok := m.reportPacket(s)
		if !ok {
			continue
		}
		s.eachTarget(func(t *target) {
			if t.playing.Load() {
				t.enqueue(packet{rtcp: true, data: data})
			}
		})
	}
}
