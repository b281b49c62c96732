package rtsp

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/sdp/v3"
)

// describe renders the session description of a prepared media. Every
// stream becomes one m= section controlled by its stream=N suffix.
func describe(m *Media, host string) ([]byte, error) {
	sessID := uint64(m.pipeline.BaseTime())
	addrType := "IP4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	if host == "" {
		host = "0.0.0.0"
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessID,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName("syncstream " + m.path),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("tool", "syncstream"),
			sdp.NewAttribute("type", "broadcast"),
			sdp.NewAttribute("control", "*"),
			sdp.NewAttribute("range", "npt=now-"),
		},
	}
	if c := m.pipeline.Clock(); c != nil && m.RTP.NTPTimeSource == NTPTimeSourceClockTime {
		// RFC 7273 reference clock for receivers sharing our time base
		desc.Attributes = append(desc.Attributes, sdp.NewAttribute("ts-refclk", "local"))
	}

	for _, s := range m.streams {
		media, encoding, rate := s.pay.Encoding()
		if media == "" {
			media = "application"
		}
		pt := s.pay.PayloadStats().PayloadType
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   media,
				Port:    sdp.RangedPort{Value: 0},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{strconv.Itoa(int(pt))},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", pt, encoding, rate)),
				sdp.NewAttribute("control", s.Control()),
			},
		}
		if encoding == "H264" {
			md.Attributes = append(md.Attributes,
				sdp.NewAttribute("fmtp", fmt.Sprintf("%d packetization-mode=1", pt)))
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, md)
	}
	return desc.Marshal()
}
