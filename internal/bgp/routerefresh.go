package bgp

import (
	"encoding/binary"
	"fmt"
)

// ROUTE-REFRESH message subtypes, carried in the reserved octet (RFC 7313).
const (
	RefreshRequest uint8 = 0
	RefreshBoRR    uint8 = 1
	RefreshEoRR    uint8 = 2
)

// RouteRefresh is the ROUTE-REFRESH message: AFI(2) + subtype(1) + SAFI(1).
type RouteRefresh struct {
	Family  Family
	Subtype uint8
}

func (*RouteRefresh) Type() MessageType { return MsgRouteRefresh }

func (r *RouteRefresh) String() string {
	switch r.Subtype {
	case RefreshRequest:
		return fmt.Sprintf("refresh %s", r.Family)
	case RefreshBoRR:
		return fmt.Sprintf("begin-of-route-refresh %s", r.Family)
	case RefreshEoRR:
		return fmt.Sprintf("end-of-route-refresh %s", r.Family)
	}
	return fmt.Sprintf("refresh subtype %d %s", r.Subtype, r.Family)
}

func decodeRouteRefresh(body []byte) (*RouteRefresh, error) {
	if len(body) != 4 {
		// RFC 7313 §5: data is the complete message.
		data := appendHeader(nil, MsgRouteRefresh, len(body))
		return nil, newError(CodeRouteRefresh, SubInvalidRouteRefreshLength, append(data, body...),
			"ROUTE-REFRESH body of %d bytes, want 4", len(body))
	}
	return &RouteRefresh{
		Family:  Family{AFI: binary.BigEndian.Uint16(body[0:2]), SAFI: body[3]},
		Subtype: body[2],
	}, nil
}

func (r *RouteRefresh) appendBody(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, r.Family.AFI)
	return append(dst, r.Subtype, r.Family.SAFI)
}
