package webrtc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// RTP payload types offered to the relay.
const (
	payloadTypeH264 = 96
	payloadTypePCMU = 0
)

// buildOffer marshals the local session description: receive-only H264
// video plus bidirectional PCMU audio for talkback.
func buildOffer() (string, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "kestrel",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: 9},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(payloadTypeH264)},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%d H264/90000", payloadTypeH264)},
					{Key: "recvonly"},
				},
			},
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 9},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{strconv.Itoa(payloadTypePCMU)},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: fmt.Sprintf("%d PCMU/8000", payloadTypePCMU)},
					{Key: "sendrecv"},
				},
			},
		},
	}

	raw, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshaling offer: %w", err)
	}
	return string(raw), nil
}

// parseAnswerAddr extracts the media-plane host:port from the relay's
// answer. Media-level connection information wins over session-level.
func parseAnswerAddr(answer string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return "", fmt.Errorf("parsing answer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", errors.New("answer has no media sections")
	}

	md := desc.MediaDescriptions[0]
	conn := md.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return "", errors.New("answer has no connection address")
	}
	port := md.MediaName.Port.Value
	if port == 0 {
		return "", errors.New("answer media port is zero")
	}
	return net.JoinHostPort(conn.Address.Address, strconv.Itoa(port)), nil
}
