package discovery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"homie/internal/auth"
	"homie/internal/protocol"
	"homie/pkg/model"
)

// maxDatagram bounds a heartbeat frame; a UDP payload cannot exceed it anyway.
const maxDatagram = 64 << 10

func heartbeatFields(hb *model.Heartbeat) []string {
	return []string{hb.Name, hb.IP, strconv.Itoa(hb.Port), strconv.FormatInt(hb.Timestamp, 10)}
}

// SignHeartbeat fills in the signature over hb|name|ip|port|timestamp.
func SignHeartbeat(hb *model.Heartbeat, secret string) {
	hb.Signature = auth.SignFields(secret, auth.PurposeHeartbeat, heartbeatFields(hb)...)
}

// VerifyHeartbeat checks the signature and the replay window at now.
func VerifyHeartbeat(hb *model.Heartbeat, secret string, now time.Time) error {
	return auth.VerifyFields(hb.Signature, secret, hb.Timestamp, now, auth.PurposeHeartbeat, heartbeatFields(hb)...)
}

// EncodeHeartbeat frames a signed heartbeat as one datagram.
func EncodeHeartbeat(hb *model.Heartbeat) ([]byte, error) {
	payload, err := json.Marshal(hb)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(protocol.TypeHeartbeat, payload), nil
}

// DecodeHeartbeat parses a datagram. It does not verify the signature.
func DecodeHeartbeat(b []byte) (*model.Heartbeat, error) {
	t, payload, err := protocol.Decode(b, maxDatagram)
	if err != nil {
		return nil, err
	}
	if t != protocol.TypeHeartbeat {
		return nil, fmt.Errorf("%w: unexpected %s datagram", protocol.ErrProtocol, t)
	}
	var hb model.Heartbeat
	if err := protocol.DecodeJSON(payload, &hb); err != nil {
		return nil, err
	}
	if hb.Name == "" || hb.Port <= 0 || hb.Port > 65535 || !hb.Status.Valid() {
		return nil, fmt.Errorf("%w: incomplete heartbeat", protocol.ErrProtocol)
	}
	return &hb, nil
}
