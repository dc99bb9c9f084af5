package slcan

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/samsamfire/gobxcan/pkg/metrics"
)

// Lawicel ASCII framing, one record per frame, terminated by carriage
// return. Standard data frames are tIIIL followed by the payload in
// hex, extended frames use T with an 8 digit identifier, remote frames
// use r and R and carry no payload:
//
//	t1234DEADBEEF   standard frame, id 0x123, 4 data bytes
//	T000012342ABCD  extended frame, id 0x1234, 2 data bytes
//	r4563           standard remote frame, id 0x456, dlc 3
//
// Adapters also emit command replies (z, version and status strings, or
// a bare BEL on error), the decoder skips everything that does not
// parse as a frame.

const (
	terminator = '\r'
	bell       = 0x07
)

// Encode renders one frame as a Lawicel record
func Encode(frame bxcan.Frame) []byte {
	dlc := frame.DLC
	if dlc > bxcan.MaxDLC {
		dlc = bxcan.MaxDLC
	}
	var b bytes.Buffer
	switch {
	case frame.Extended && frame.RTR:
		fmt.Fprintf(&b, "R%08X%d", frame.ID&bxcan.MaxExtendedID, dlc)
	case frame.Extended:
		fmt.Fprintf(&b, "T%08X%d", frame.ID&bxcan.MaxExtendedID, dlc)
	case frame.RTR:
		fmt.Fprintf(&b, "r%03X%d", frame.ID&bxcan.MaxStandardID, dlc)
	default:
		fmt.Fprintf(&b, "t%03X%d", frame.ID&bxcan.MaxStandardID, dlc)
	}
	if !frame.RTR {
		for _, d := range frame.Data[:dlc] {
			fmt.Fprintf(&b, "%02X", d)
		}
	}
	b.WriteByte(terminator)
	return b.Bytes()
}

// DecodeStream consumes complete records from in and emits every
// decoded frame via out. A partial trailing record stays buffered for
// the next read, anything unrecognized is counted and skipped.
func DecodeStream(in *bytes.Buffer, out func(bxcan.Frame)) {
	for {
		data := in.Bytes()
		// error replies are a bare BEL with no terminator
		for len(data) > 0 && data[0] == bell {
			in.Next(1)
			data = in.Bytes()
		}
		i := bytes.IndexByte(data, terminator)
		if i < 0 {
			// an unterminated stream must not grow the buffer without
			// bound, no real record is anywhere near this long
			if in.Len() > 1024 {
				metrics.IncBridgeMalformed()
				in.Reset()
			}
			return
		}
		record := data[:i]
		if frame, ok := parseRecord(record); ok {
			out(frame)
			metrics.IncBridgeRx()
		} else if len(record) > 0 && !isReply(record) {
			metrics.IncBridgeMalformed()
		}
		in.Next(i + 1)
	}
}

// command replies are not frames but are not garbage either
func isReply(record []byte) bool {
	switch record[0] {
	case 'z', 'Z', 'V', 'v', 'N', 'F':
		return true
	}
	return false
}

// parseRecord decodes one terminator stripped record. Records that are
// not frames, or frames that do not survive validation, return false.
func parseRecord(record []byte) (bxcan.Frame, bool) {
	var f bxcan.Frame
	if len(record) == 0 {
		return f, false
	}
	switch record[0] {
	case 't':
	case 'T':
		f.Extended = true
	case 'r':
		f.RTR = true
	case 'R':
		f.Extended = true
		f.RTR = true
	default:
		return f, false
	}
	idDigits := 3
	if f.Extended {
		idDigits = 8
	}
	if len(record) < 1+idDigits+1 {
		return f, false
	}
	id, err := strconv.ParseUint(string(record[1:1+idDigits]), 16, 32)
	if err != nil {
		return f, false
	}
	f.ID = uint32(id)
	f.DLC = record[1+idDigits] - '0'
	if f.Validate() != nil {
		return f, false
	}
	body := record[1+idDigits+1:]
	if f.RTR {
		return f, len(body) == 0
	}
	// adapters with timestamps enabled append four more hex digits
	if len(body) == int(f.DLC)*2+4 {
		body = body[:int(f.DLC)*2]
	}
	if len(body) != int(f.DLC)*2 {
		return f, false
	}
	if _, err := hex.Decode(f.Data[:f.DLC], body); err != nil {
		return f, false
	}
	return f, true
}
