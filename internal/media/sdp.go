package media

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// ErrNoAudio is returned for session descriptions without a usable audio
// stream.
var ErrNoAudio = errors.New("sdp has no audio media")

// Media direction attributes.
const (
	DirectionSendRecv = "sendrecv"
	DirectionRecvOnly = "recvonly"
	DirectionSendOnly = "sendonly"
	DirectionInactive = "inactive"
)

var rtpmaps = map[uint8]string{
	PayloadPCMU: "PCMU/8000",
	PayloadPCMA: "PCMA/8000",
}

// SupportedPayloadTypes lists the codecs offered and accepted, in order of
// preference.
var SupportedPayloadTypes = []uint8{PayloadPCMU, PayloadPCMA}

// Description is the part of a session description the bridge cares about:
// where the audio stream lives and which codecs it carries.
type Description struct {
	Addr         string
	Port         int
	PayloadTypes []uint8
	Direction    string
}

// BuildSDP renders a single-stream audio description advertising addr:port.
func BuildSDP(addr string, port int, sessionID uint64, payloadTypes []uint8, direction string) ([]byte, error) {
	if len(payloadTypes) == 0 {
		payloadTypes = SupportedPayloadTypes
	}
	if direction == "" {
		direction = DirectionSendRecv
	}

	formats := make([]string, 0, len(payloadTypes))
	attrs := make([]sdp.Attribute, 0, len(payloadTypes)+2)
	for _, pt := range payloadTypes {
		f := strconv.Itoa(int(pt))
		formats = append(formats, f)
		if m, ok := rtpmaps[pt]; ok {
			attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: f + " " + m})
		}
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: direction},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "phonebridge",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "phonebridge",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return body, nil
}

// ParseSDP extracts the first audio stream from a session description.
// A media-level connection line overrides the session-level one.
func ParseSDP(body []byte) (*Description, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		d := &Description{
			Port:      md.MediaName.Port.Value,
			Direction: DirectionSendRecv,
		}
		if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			d.Addr = desc.ConnectionInformation.Address.Address
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			d.Addr = md.ConnectionInformation.Address.Address
		}
		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			d.PayloadTypes = append(d.PayloadTypes, uint8(pt))
		}
		for _, a := range md.Attributes {
			switch a.Key {
			case DirectionSendRecv, DirectionRecvOnly, DirectionSendOnly, DirectionInactive:
				d.Direction = a.Key
			}
		}

		if d.Addr == "" || d.Port == 0 {
			return nil, fmt.Errorf("audio stream without address: %w", ErrNoAudio)
		}
		return d, nil
	}
	return nil, ErrNoAudio
}

// Negotiate picks the first offered payload type we support.
func Negotiate(offered []uint8) (uint8, bool) {
	for _, pt := range offered {
		if _, ok := rtpmaps[pt]; ok {
			return pt, true
		}
	}
	return 0, false
}
