package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/roboparty/gsusb"
)

// parseID accepts identifiers like 7E8, 0x7E8 or 0X7e8.
func parseID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid CAN id %q", s)
	}
	return uint32(v), nil
}

// parseIDs parses a comma separated identifier list.
func parseIDs(s string) ([]uint32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		id, err := parseID(part)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// parseData accepts "01 02 03", "01:02:03", "010203" and "0x01,0x02".
func parseData(s string) ([]byte, error) {
	r := strings.NewReplacer(" ", "", ":", "", ",", "", "0x", "", "0X", "")
	clean := r.Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid data %q: %w", s, err)
	}
	if len(b) > gsusb.MaxDataLength {
		return nil, fmt.Errorf("%w: %d bytes", gsusb.ErrPayloadTooLarge, len(b))
	}
	return b, nil
}
