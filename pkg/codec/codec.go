// Package codec converts between frames and the bxCAN register layout.
// Everything here is pure and total over well formed frames.
package codec

import (
	bxcan "github.com/samsamfire/gobxcan"
)

// identifierWord packs identifier, kind and remote flag into the layout
// shared by mailbox identifier registers and 32-bit filter patterns :
// STID[31:21] | EXID[20:3] | IDE[2] | RTR[1] | TXRQ[0]
func identifierWord(id uint32, extended, rtr bool) uint32 {
	var w uint32
	if extended {
		w = id<<bxcan.MirExtShift | bxcan.MirIDE
	} else {
		w = id << bxcan.MirStdShift
	}
	if rtr {
		w |= bxcan.MirRTR
	}
	return w
}

// TxRegisters encodes a frame into the four transmit mailbox words.
// The TXRQ bit is left clear, raising it is the mailbox manager's move.
// Unused payload bytes are sent as the zero values of the data array,
// a correct receiver never reads past the DLC.
func TxRegisters(f bxcan.Frame) (mir, mdtr, mdlr, mdhr uint32) {
	mir = identifierWord(f.ID, f.Extended, f.RTR)
	mdtr = uint32(f.DLC) & bxcan.MdtrDLCMask
	mdlr = uint32(f.Data[0]) | uint32(f.Data[1])<<8 | uint32(f.Data[2])<<16 | uint32(f.Data[3])<<24
	mdhr = uint32(f.Data[4]) | uint32(f.Data[5])<<8 | uint32(f.Data[6])<<16 | uint32(f.Data[7])<<24
	return mir, mdtr, mdlr, mdhr
}

// RxFrame decodes the four receive mailbox words into a frame plus the
// match index of the filter that accepted it. The identifier width
// follows the IDE discriminator bit and payload reads are truncated to
// the declared length.
func RxFrame(mir, mdtr, mdlr, mdhr uint32) (bxcan.Frame, uint8) {
	f := bxcan.Frame{
		Extended: mir&bxcan.MirIDE != 0,
		RTR:      mir&bxcan.MirRTR != 0,
	}
	if f.Extended {
		f.ID = mir >> bxcan.MirExtShift & bxcan.MaxExtendedID
	} else {
		f.ID = mir >> bxcan.MirStdShift & bxcan.MaxStandardID
	}
	dlc := uint8(mdtr & bxcan.MdtrDLCMask)
	if dlc > bxcan.MaxDLC {
		// Remote frames may declare 9..15, which the protocol reads as 8
		dlc = bxcan.MaxDLC
	}
	f.DLC = dlc
	words := [2]uint32{mdlr, mdhr}
	for i := uint8(0); i < dlc; i++ {
		f.Data[i] = byte(words[i/4] >> (8 * (i % 4)))
	}
	return f, uint8(mdtr >> bxcan.MdtrFMIShift & bxcan.MdtrFMIMask)
}

// ArbitrationKey orders frames the way the wire does : the numerically
// lower key wins arbitration. The identifier word layout makes numeric
// comparison and bit-by-bit bus arbitration agree, standard identifiers
// beat extended ones sharing the same leading bits and data frames beat
// remote frames of the same identifier.
func ArbitrationKey(f bxcan.Frame) uint32 {
	return identifierWord(f.ID, f.Extended, f.RTR)
}

// Pattern32 builds the 32-bit scale filter pattern for an identifier.
// Same layout as the identifier word with bit 0 unused.
func Pattern32(id uint32, extended, rtr bool) uint32 {
	return identifierWord(id, extended, rtr)
}

// Pattern16 builds the 16-bit scale filter pattern of a standard
// identifier : STID[15:5] | RTR[4] | IDE[3] | EXID[17:15]
func Pattern16(id uint32, rtr bool) uint16 {
	w := uint16(id&bxcan.MaxStandardID) << 5
	if rtr {
		w |= 1 << 4
	}
	return w
}
