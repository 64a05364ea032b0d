package module

// Mesytec register offsets relative to the module base address.
const (
	RegDataFIFO = 0x0000

	RegAddrSource   = 0x6000
	RegAddrRegister = 0x6002
	RegModuleID     = 0x6004
	RegSoftReset    = 0x6008
	RegFirmware     = 0x600E

	RegIRQLevel        = 0x6010
	RegIRQVector       = 0x6012
	RegIRQTest         = 0x6014
	RegIRQReset        = 0x6016
	RegIRQThreshold    = 0x6018
	RegMaxTransferData = 0x601A

	RegCBLTMCSTCtrl = 0x6020
	RegCBLTAddress  = 0x6022
	RegMCSTAddress  = 0x6024

	RegBufferDataLength = 0x6030
	RegDataLengthFormat = 0x6032
	RegReadoutReset     = 0x6034
	RegMultiEventMode   = 0x6036
	RegMarkingType      = 0x6038
	RegStartAcq         = 0x603A
	RegFIFOReset        = 0x603C
	RegDataReady        = 0x603E

	RegBankMode     = 0x6040
	RegResolution   = 0x6042
	RegOutputFormat = 0x6044

	// MTDC-32 windows and triggers. On the MADC-32 the same addresses hold
	// gate delays, gate widths and gate generator use.
	RegBank0WinStart   = 0x6050
	RegBank1WinStart   = 0x6052
	RegBank0WinWidth   = 0x6054
	RegBank1WinWidth   = 0x6056
	RegBank0TrigSource = 0x6058
	RegBank1TrigSource = 0x605A
	RegFirstHit        = 0x605C

	RegNegativeEdge  = 0x6060
	RegECLTerminated = 0x6062
	RegECLTrig1Osc   = 0x6064
	RegECLOutConfig  = 0x6066
	RegTrigSelect    = 0x6068
	RegNIMTrig1Osc   = 0x606A
	RegNIMBusy       = 0x606E

	RegPulserStatus  = 0x6070
	RegPulserPattern = 0x6072
	RegBank0InputThr = 0x6078
	RegBank1InputThr = 0x607A

	RegResetCounterAB   = 0x6090
	RegEventCounterLow  = 0x6092
	RegEventCounterHigh = 0x6094
	RegTimestampSource  = 0x6096
	RegTimestampDivisor = 0x6098
	RegTimestampCntL    = 0x609C
	RegTimestampCntH    = 0x609E
	RegTime0            = 0x60A8
	RegTime1            = 0x60AA
	RegTime2            = 0x60AC
	RegStopCounter      = 0x60AE

	RegHighLimit0 = 0x60B0
	RegLowLimit0  = 0x60B2
	RegHighLimit1 = 0x60B4
	RegLowLimit1  = 0x60B6

	// RegThresholdBase is the first MADC-32 per-channel threshold; channel n is at +2n.
	RegThresholdBase = 0x4000
)

// Register values.
const (
	MultiEventEOBBusError = 0x4
	MultiEventMaxData     = 0x8

	ResetCounterAll = 0x3

	// FirmwareExpected is the MTDC-32 firmware this adapter was written against.
	FirmwareExpected = 0x0102
)

// Data length formats of RegDataLengthFormat.
const (
	DataLength8  = 0
	DataLength16 = 1
	DataLength32 = 2
	DataLength64 = 3
)

// maxFIFOWords bounds a single readout (module memory size in 32-bit words).
const maxFIFOWords = 48640
