package bxcan

// Registers is the capability through which all driver logic touches the
// peripheral. A hardware target backs it with volatile MMIO at the CAN
// base address, tests back it with a simulated register file (pkg/virtual).
// Offsets are relative to the peripheral base.
type Registers interface {
	Read(off uint16) uint32
	Write(off uint16, v uint32)
}

// Modify does a read-modify-write of one register
func Modify(r Registers, off uint16, clear, set uint32) {
	v := r.Read(off)
	v &^= clear
	v |= set
	r.Write(off, v)
}

// Hardware geometry of a bxCAN instance
const (
	MailboxCount    = 3  // transmit mailboxes
	FilterBankCount = 14 // filter banks of a single controller
	RxFIFOCount     = 2  // receive FIFOs
	RxFIFODepth     = 3  // frames each receive FIFO can hold
)

// Control and status register offsets
const (
	RegCTLR   uint16 = 0x00 // master control
	RegSTATR  uint16 = 0x04 // master status
	RegTSTATR uint16 = 0x08 // transmit status
	RegRFIFO0 uint16 = 0x0C // receive FIFO 0 status
	RegRFIFO1 uint16 = 0x10 // receive FIFO 1 status
	RegINTENR uint16 = 0x14 // interrupt enable
	RegERRSR  uint16 = 0x18 // error status
	RegBTIMR  uint16 = 0x1C // bit timing and mode

	RegFCTLR   uint16 = 0x200 // filter master control
	RegFMCFGR  uint16 = 0x204 // filter mode (mask / list) per bank
	RegFSCFGR  uint16 = 0x20C // filter scale (16 / 32 bit) per bank
	RegFAFIFOR uint16 = 0x214 // filter FIFO assignment per bank
	RegFWR     uint16 = 0x21C // filter activation per bank
)

// Mailbox register blocks. Each block is four words :
// identifier, length/time, data low, data high.
const (
	regTxMailbox0 uint16 = 0x180
	regRxMailbox0 uint16 = 0x1B0
	mailboxStride uint16 = 0x10

	MailboxMIR  uint16 = 0x0
	MailboxMDTR uint16 = 0x4
	MailboxMDLR uint16 = 0x8
	MailboxMDHR uint16 = 0xC
)

// TxMailbox returns the base offset of transmit mailbox n (0..2)
func TxMailbox(n uint8) uint16 {
	return regTxMailbox0 + uint16(n)*mailboxStride
}

// RxMailbox returns the base offset of the receive mailbox of FIFO n (0..1)
func RxMailbox(fifo uint8) uint16 {
	return regRxMailbox0 + uint16(fifo)*mailboxStride
}

// Filter bank registers, two words per bank
const (
	regFilterBank0   uint16 = 0x240
	filterBankStride uint16 = 0x8
)

// FilterBank returns the offset of bank n's first register, FR2 is one word up
func FilterBank(bank uint8) uint16 {
	return regFilterBank0 + uint16(bank)*filterBankStride
}

// CTLR bits
const (
	CtlrINRQ  uint32 = 1 << 0 // initialization mode request
	CtlrSLEEP uint32 = 1 << 1 // sleep mode request
	CtlrTXFP  uint32 = 1 << 2 // transmit priority by request order instead of identifier
	CtlrRFLM  uint32 = 1 << 3 // receive FIFO locked against overrun
	CtlrNART  uint32 = 1 << 4 // no automatic retransmission
	CtlrAWUM  uint32 = 1 << 5 // automatic wakeup
	CtlrABOM  uint32 = 1 << 6 // automatic bus-off recovery
	CtlrTTCM  uint32 = 1 << 7 // time triggered communication
	CtlrRESET uint32 = 1 << 15
)

// STATR bits
const (
	StatrINAK  uint32 = 1 << 0  // initialization mode acknowledged
	StatrSLAK  uint32 = 1 << 1  // sleep mode acknowledged
	StatrERRI  uint32 = 1 << 2  // error interrupt pending
	StatrWKUI  uint32 = 1 << 3  // wakeup interrupt pending
	StatrSLAKI uint32 = 1 << 4  // sleep acknowledge interrupt pending
	StatrTXM   uint32 = 1 << 8  // transmission in progress
	StatrRXM   uint32 = 1 << 9  // reception in progress
	StatrSAMP  uint32 = 1 << 10 // last sampled bit value
	StatrRX    uint32 = 1 << 11 // current RX pin level, recessive is 1
)

// TSTATR per-mailbox flags. Request-completed and its qualifiers are
// cleared by writing the RQCP bit back.
func TstatrRQCP(n uint8) uint32 { return 1 << (8 * n) }        // request completed
func TstatrTXOK(n uint8) uint32 { return 1 << (8*n + 1) }      // transmission succeeded
func TstatrALST(n uint8) uint32 { return 1 << (8*n + 2) }      // arbitration lost
func TstatrTERR(n uint8) uint32 { return 1 << (8*n + 3) }      // transmission error
func TstatrABRQ(n uint8) uint32 { return 1 << (8*n + 7) }      // abort request
func TstatrTME(n uint8) uint32  { return 1 << (26 + uint(n)) } // mailbox empty

// Receive FIFO status bits, same layout in RFIFO0 and RFIFO1
const (
	RfifoFMPMask uint32 = 0x3    // pending frame count
	RfifoFULL    uint32 = 1 << 3 // FIFO holds RxFIFODepth frames
	RfifoFOVR    uint32 = 1 << 4 // a frame was lost, cleared by writing the bit
	RfifoRFOM    uint32 = 1 << 5 // release the output mailbox
)

// INTENR bits
const (
	IntenrTMEIE  uint32 = 1 << 0 // mailbox empty
	IntenrFMPIE0 uint32 = 1 << 1 // FIFO 0 pending
	IntenrFFIE0  uint32 = 1 << 2 // FIFO 0 full
	IntenrFOVIE0 uint32 = 1 << 3 // FIFO 0 overrun
	IntenrFMPIE1 uint32 = 1 << 4 // FIFO 1 pending
	IntenrFFIE1  uint32 = 1 << 5 // FIFO 1 full
	IntenrFOVIE1 uint32 = 1 << 6 // FIFO 1 overrun
	IntenrEWGIE  uint32 = 1 << 8 // warning level reached
	IntenrEPVIE  uint32 = 1 << 9 // passive level reached
	IntenrBOFIE  uint32 = 1 << 10
	IntenrLECIE  uint32 = 1 << 11
	IntenrERRIE  uint32 = 1 << 15
)

// ERRSR fields
const (
	ErrsrEWGF uint32 = 1 << 0 // warning flag, a counter reached 96
	ErrsrEPVF uint32 = 1 << 1 // passive flag, a counter reached 128
	ErrsrBOFF uint32 = 1 << 2 // bus-off flag

	ErrsrLECShift = 4
	ErrsrLECMask  = 0x7
	ErrsrTECShift = 16
	ErrsrRECShift = 24
)

// Last error codes reported in ERRSR.LEC
const (
	LECNone         uint8 = 0
	LECStuff        uint8 = 1
	LECForm         uint8 = 2
	LECAck          uint8 = 3
	LECBitRecessive uint8 = 4
	LECBitDominant  uint8 = 5
	LECCRC          uint8 = 6
	LECSoftware     uint8 = 7 // free for software use, never set by hardware
)

// LEC extracts the last error code from an ERRSR value
func LEC(errsr uint32) uint8 {
	return uint8(errsr >> ErrsrLECShift & ErrsrLECMask)
}

// FCTLR bits
const (
	FctlrFINIT uint32 = 1 << 0 // filter initialization mode, matching disabled
)

// Mailbox identifier register layout, shared by transmit and receive
// mailboxes and by 32-bit filter bank patterns :
// STID[31:21] | EXID[20:3] | IDE[2] | RTR[1] | TXRQ[0]
const (
	MirTXRQ uint32 = 1 << 0
	MirRTR  uint32 = 1 << 1
	MirIDE  uint32 = 1 << 2

	MirStdShift = 21
	MirExtShift = 3
)

// MDTR fields. The filter match index is only present on receive mailboxes.
const (
	MdtrDLCMask  uint32 = 0xF
	MdtrFMIShift        = 8
	MdtrFMIMask  uint32 = 0xFF
)
