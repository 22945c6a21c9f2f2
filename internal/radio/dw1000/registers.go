package dw1000

// Register file IDs.
const (
	regDevID     = 0x00
	regEUI       = 0x01
	regPANAddr   = 0x03
	regSysCfg    = 0x04
	regSysTime   = 0x06
	regTxFCtrl   = 0x08
	regTxBuffer  = 0x09
	regDxTime    = 0x0A
	regSysCtrl   = 0x0D
	regSysMask   = 0x0E
	regSysStatus = 0x0F
	regRxFInfo   = 0x10
	regRxBuffer  = 0x11
	regRxFQual   = 0x12
	regRxTime    = 0x15
	regTxTime    = 0x17
	regTxAntD    = 0x18
	regChanCtrl  = 0x1F
	regLDEIf     = 0x2E
)

const (
	subLDERxAntD = 0x1804

	devID = 0xDECA0130

	lenSysTime = 5
	lenRxTime  = 9 // RX_STAMP, FP_INDEX, FP_AMPL1
	lenRxFQual = 8
)

// SYS_CFG bits.
const (
	cfgRxM110K = 1 << 22
	cfgRxAutoR = 1 << 29
)

// SYS_CTRL bits.
const (
	ctrlTxStart  = 1 << 1
	ctrlTxDelay  = 1 << 2
	ctrlTRxOff   = 1 << 6
	ctrlRxEnable = 1 << 8
)

// SYS_STATUS bits. The same positions enable interrupts in SYS_MASK.
const (
	statusTxFrameBegin    = 1 << 4
	statusTxPreamble      = 1 << 5
	statusTxPHY           = 1 << 6
	statusTxFrameSent     = 1 << 7
	statusRxPreamble      = 1 << 8
	statusRxSFD           = 1 << 9
	statusRxPHY           = 1 << 11
	statusRxPHYError      = 1 << 12
	statusRxDataReady     = 1 << 13
	statusRxFrameGood     = 1 << 14
	statusRxFCSError      = 1 << 15
	statusRxSyncLoss      = 1 << 16
	statusRxTimeout       = 1 << 17
	statusLDEError        = 1 << 18
	statusRxPreambleTO    = 1 << 21
	statusRxSFDTimeout    = 1 << 26
	statusHalfPeriodWarn  = 1 << 27
	statusTxDone          = statusTxFrameBegin | statusTxPreamble | statusTxPHY | statusTxFrameSent
	statusRxDone          = statusRxPreamble | statusRxSFD | statusRxPHY | statusRxDataReady | statusRxFrameGood
	statusRxErrors        = statusRxPHYError | statusRxFCSError | statusRxSyncLoss | statusRxTimeout | statusLDEError | statusRxPreambleTO | statusRxSFDTimeout
	interruptMask         = statusTxFrameSent | statusRxFrameGood
	delayedTimeResolution = 0x1FF
)

// TX_FCTRL fields.
const (
	txLengthMask    = 0x7F
	txRateShift     = 13
	txPRFShift      = 16
	txPreambleShift = 18
)

// RX_FINFO fields.
const (
	rxLengthMask = 0x7F
	rxPACCShift  = 20
)

// CHAN_CTRL fields.
const (
	chanRxPRFShift  = 18
	chanTxCodeShift = 22
	chanRxCodeShift = 27

	channel = 5
)

// Constants of the received power estimate, dBm.
const (
	powerOffsetPRF16 = 113.77
	powerOffsetPRF64 = 121.74
)

// header builds the SPI transaction header addressing sub within reg.
// Sub-addresses up to 0x7F take one extra byte, larger ones two.
func header(reg byte, sub uint16, write bool) []byte {
	b0 := reg & 0x3F
	if write {
		b0 |= 0x80
	}
	if sub == 0 {
		return []byte{b0}
	}
	b0 |= 0x40
	if sub < 0x80 {
		return []byte{b0, byte(sub)}
	}
	return []byte{b0, 0x80 | byte(sub&0x7F), byte(sub >> 7)}
}
