// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mcbproto provides a Go implementation of the MCB multidrop servo bus
// protocol.
//
// Every board on an RS-485 bus shares one request/response channel. Frames carry
// a payload, a command byte and an address byte, followed by an additive checksum
// and a terminator. Fields are consumed from the end of the frame, so multi-byte
// values are written least significant byte first and read back in reverse.
// This package provides frame encoding/decoding, checksum validation, command
// builders, reply parsing and payload formatting.
package mcbproto

// Protocol framing bytes
const (
	TerminatorByte = 0xAA
	EscapeByte     = 0x55
	EscXor         = 0x01
)

// Frame size limits
const (
	// BoardBufferSize is the size of each receive buffer on a board.
	BoardBufferSize = 40
	// MaxFrameSize bounds the logical frame accepted by the host decoder.
	MaxFrameSize = 128
	// MinMasterPacketSize is the wire size master frames are padded to.
	MinMasterPacketSize = 17
	// MinMasterPacketSizeLegacy is the padding used for boards before firmware 32.
	MinMasterPacketSizeLegacy = 25
)

// Special addresses
const (
	BroadcastID = 127 // All boards process, none are addressed exclusively
	InvalidID   = 126 // Unset or unreadable identity
	MaxBoardID  = 125
)

// Board constants
const (
	FirmwareVersion = 32
	FullPWM         = 1100
	// NoTarget is the sentinel that leaves a target untouched, and the value
	// boards report for a channel that has never been initialized.
	NoTarget int32 = 0x7FFFFFFF
)

// Channel selects one of the two motor channels of a board
type Channel uint8

const (
	ChannelA Channel = 0
	ChannelB Channel = 1
)

// String returns "A" or "B"
func (c Channel) String() string {
	if c == ChannelB {
		return "B"
	}
	return "A"
}

// Opcode is the 7-bit command code carried in the command byte
type Opcode uint8

// Opcodes
const (
	OpID                   Opcode = 0
	OpPosPGain             Opcode = 1
	OpPosIGain             Opcode = 2
	OpPosDGain             Opcode = 3
	OpMaxVelocity          Opcode = 4
	OpDeadband             Opcode = 5
	OpEnable               Opcode = 6
	OpPolarity             Opcode = 7
	OpFeedbackMode         Opcode = 8
	OpControlMode          Opcode = 9
	OpTargetTick           Opcode = 10
	OpActualTick           Opcode = 11
	OpMotorCurrent         Opcode = 12
	Op2TargetMotorCurrent  Opcode = 13
	Op2TargetActual        Opcode = 15
	OpEmptyResponse        Opcode = 17
	OpError                Opcode = 18
	OpPidOutput            Opcode = 19
	OpFaultMode            Opcode = 20
	OpPosDownscale         Opcode = 21
	OpEncoderValue         Opcode = 22
	OpPotValue             Opcode = 23
	OpFirmwareVersion      Opcode = 24
	OpMaxPwmDutyCycle      Opcode = 25
	OpSlowEnableTime       Opcode = 26
	OpDebug                Opcode = 27
	OpOffsetEncoderTick    Opcode = 28
	OpSaturation           Opcode = 29
	OpIComponent           Opcode = 30
	OpRequestMessage       Opcode = 31
	OpExtraMode            Opcode = 32
	OpExtraValue           Opcode = 33
	Op2TargetVelocity      Opcode = 34
	OpActualVelocity       Opcode = 35
	OpVelPGain             Opcode = 36
	OpVelIGain             Opcode = 37
	OpVelDGain             Opcode = 38
	OpVelDownscale         Opcode = 39
	OpMaxAcceleration      Opcode = 40
	OpVelTimeDelta         Opcode = 41
	OpStreamMode           Opcode = 42
	Op2TargetPot           Opcode = 43
	Op2TargetEncoder       Opcode = 44
	Op2Target2Actual       Opcode = 45
	Op2Target2Velocity     Opcode = 46
	Op2Target2MotorCurrent Opcode = 47
	Op2Target2Pot          Opcode = 48
	Op2Target2Encoder      Opcode = 49
	OpControlPeriod        Opcode = 50
)

// ErrorCode is carried in the payload of an OpError reply
type ErrorCode uint8

// Error codes
const (
	ErrCodeBadChecksum          ErrorCode = 0
	ErrCodeBadCommand           ErrorCode = 1
	ErrCodeUninitialized        ErrorCode = 2
	ErrCodeBufferOverflow       ErrorCode = 3
	ErrCodeTimeoutDisable       ErrorCode = 4
	ErrCodeFault                ErrorCode = 5
	ErrCodeBadIDPacket          ErrorCode = 6
	ErrCodePacketOverflow       ErrorCode = 7
	ErrCodeSetParamDuringEnable ErrorCode = 9
	ErrCodeMsgBufferOverflow    ErrorCode = 10
	ErrCodeNoResponse           ErrorCode = 255 // host side only
)

// Known reports whether a board can send the code
func (c ErrorCode) Known() bool {
	switch c {
	case ErrCodeBadChecksum, ErrCodeBadCommand, ErrCodeUninitialized, ErrCodeBufferOverflow,
		ErrCodeTimeoutDisable, ErrCodeFault, ErrCodeBadIDPacket, ErrCodePacketOverflow,
		ErrCodeSetParamDuringEnable, ErrCodeMsgBufferOverflow:
		return true
	}
	return false
}

// DataSize is the number of value bytes a command carries
type DataSize int

const (
	SizeZero      DataSize = 0
	SizeU08       DataSize = 1
	SizeS32       DataSize = 4
	SizeDoubleS32 DataSize = 8
)

// Control modes
const (
	ControlModePosition = 0
	ControlModeVelocity = 1
	ControlModeMixed    = 2
)

// Feedback modes
const (
	FeedbackEncoder = 0
	FeedbackPot     = 1
)

// Extra pin modes
const (
	ExtraModeOff    = 0
	ExtraModeSwitch = 1
	ExtraModeAnalog = 2
	ExtraModeServo  = 3
)

// Saturation states reported by OpSaturation
const (
	SaturationNone   = 0
	SaturationBottom = 1
	SaturationTop    = 2
)

var opcodeSizes = map[Opcode]DataSize{
	OpID:                   SizeU08,
	OpPosPGain:             SizeS32,
	OpPosIGain:             SizeS32,
	OpPosDGain:             SizeS32,
	OpMaxVelocity:          SizeS32,
	OpEnable:               SizeU08,
	OpPolarity:             SizeU08,
	OpFeedbackMode:         SizeU08,
	OpControlMode:          SizeU08,
	OpTargetTick:           SizeS32,
	OpActualTick:           SizeS32,
	OpMotorCurrent:         SizeS32,
	Op2TargetMotorCurrent:  SizeS32,
	Op2TargetActual:        SizeS32,
	OpEmptyResponse:        SizeZero,
	OpError:                SizeU08,
	OpPidOutput:            SizeS32,
	OpPosDownscale:         SizeU08,
	OpEncoderValue:         SizeS32,
	OpPotValue:             SizeS32,
	OpFirmwareVersion:      SizeS32,
	OpMaxPwmDutyCycle:      SizeS32,
	OpSlowEnableTime:       SizeU08,
	OpDebug:                SizeS32,
	OpOffsetEncoderTick:    SizeS32,
	OpSaturation:           SizeU08,
	OpIComponent:           SizeS32,
	OpRequestMessage:       SizeZero,
	OpExtraMode:            SizeU08,
	OpExtraValue:           SizeS32,
	Op2TargetVelocity:      SizeS32,
	OpActualVelocity:       SizeS32,
	OpVelPGain:             SizeS32,
	OpVelIGain:             SizeS32,
	OpVelDGain:             SizeS32,
	OpVelDownscale:         SizeU08,
	OpMaxAcceleration:      SizeS32,
	OpVelTimeDelta:         SizeU08,
	OpStreamMode:           SizeU08,
	Op2TargetPot:           SizeS32,
	Op2TargetEncoder:       SizeS32,
	Op2Target2Actual:       SizeDoubleS32,
	Op2Target2Velocity:     SizeDoubleS32,
	Op2Target2MotorCurrent: SizeDoubleS32,
	Op2Target2Pot:          SizeDoubleS32,
	Op2Target2Encoder:      SizeDoubleS32,
	OpControlPeriod:        SizeU08,
}

// DataSize returns the value size for the opcode, and false when the host side
// does not know the opcode
func (op Opcode) DataSize() (DataSize, bool) {
	size, ok := opcodeSizes[op]
	return size, ok
}

// Known reports whether the opcode belongs to the command set
func (op Opcode) Known() bool {
	_, ok := opcodeSizes[op]
	return ok
}

// IsDualTarget reports whether the opcode carries targets for both channels
func (op Opcode) IsDualTarget() bool {
	switch op {
	case Op2TargetMotorCurrent, Op2TargetActual, Op2TargetVelocity, Op2TargetPot,
		Op2TargetEncoder, Op2Target2Actual, Op2Target2Velocity,
		Op2Target2MotorCurrent, Op2Target2Pot, Op2Target2Encoder:
		return true
	}
	return false
}

// IsReserved reports whether b must be escaped on the wire
func IsReserved(b byte) bool {
	return b == TerminatorByte || b == EscapeByte
}
