// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import (
	"fmt"
	"strings"
)

var opcodeNames = map[Opcode]string{
	OpID:                   "ID",
	OpPosPGain:             "POS_P_GAIN",
	OpPosIGain:             "POS_I_GAIN",
	OpPosDGain:             "POS_D_GAIN",
	OpMaxVelocity:          "MAX_VELOCITY",
	OpDeadband:             "DEADBAND",
	OpEnable:               "ENABLE",
	OpPolarity:             "POLARITY",
	OpFeedbackMode:         "FEEDBACK_MODE",
	OpControlMode:          "CONTROL_MODE",
	OpTargetTick:           "TARGET_TICK",
	OpActualTick:           "ACTUAL_TICK",
	OpMotorCurrent:         "MOTOR_CURRENT",
	Op2TargetMotorCurrent:  "2TARGET_TICK_MOTOR_CURRENT",
	Op2TargetActual:        "2TARGET_TICK_ACTUAL",
	OpEmptyResponse:        "EMPTY_RESPONSE",
	OpError:                "ERROR",
	OpPidOutput:            "PID_OUTPUT",
	OpFaultMode:            "FAULT_MODE",
	OpPosDownscale:         "POS_DOWNSCALE",
	OpEncoderValue:         "ENCODER_VALUE",
	OpPotValue:             "POT_VALUE",
	OpFirmwareVersion:      "FIRMWARE_VERSION",
	OpMaxPwmDutyCycle:      "MAX_PWM_DUTY_CYCLE",
	OpSlowEnableTime:       "SLOW_ENABLE_TIME",
	OpDebug:                "DEBUG",
	OpOffsetEncoderTick:    "OFFSET_ENCODER_TICK",
	OpSaturation:           "SATURATION",
	OpIComponent:           "I_COMPONENT",
	OpRequestMessage:       "REQUEST_MESSAGE",
	OpExtraMode:            "EXTRA_MODE",
	OpExtraValue:           "EXTRA_VALUE",
	Op2TargetVelocity:      "2TARGET_TICK_VELOCITY",
	OpActualVelocity:       "ACTUAL_VELOCITY",
	OpVelPGain:             "VEL_P_GAIN",
	OpVelIGain:             "VEL_I_GAIN",
	OpVelDGain:             "VEL_D_GAIN",
	OpVelDownscale:         "VEL_DOWNSCALE",
	OpMaxAcceleration:      "MAX_ACCELERATION",
	OpVelTimeDelta:         "VEL_TIME_DELTA",
	OpStreamMode:           "STREAM_MODE",
	Op2TargetPot:           "2TARGET_TICK_POT",
	Op2TargetEncoder:       "2TARGET_TICK_ENCODER",
	Op2Target2Actual:       "2TARGET_TICK_2ACTUAL",
	Op2Target2Velocity:     "2TARGET_TICK_2VELOCITY",
	Op2Target2MotorCurrent: "2TARGET_TICK_2MOTOR_CURRENT",
	Op2Target2Pot:          "2TARGET_TICK_2POT",
	Op2Target2Encoder:      "2TARGET_TICK_2ENCODER",
	OpControlPeriod:        "CONTROL_PERIOD",
}

// FormatOpcode returns the human-readable name for an opcode
func FormatOpcode(op Opcode) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", uint8(op))
}

// ParseOpcode looks an opcode up by name, case-insensitively
func ParseOpcode(name string) (Opcode, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for op, n := range opcodeNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// FormatErrorCode returns the human-readable name for a board error code
func FormatErrorCode(code ErrorCode) string {
	switch code {
	case ErrCodeBadChecksum:
		return "BAD_CHECKSUM"
	case ErrCodeBadCommand:
		return "BAD_COMMAND"
	case ErrCodeUninitialized:
		return "UNINITIALIZED"
	case ErrCodeBufferOverflow:
		return "BUFFER_OVERFLOW"
	case ErrCodeTimeoutDisable:
		return "TIMEOUT_DISABLE"
	case ErrCodeFault:
		return "FAULT"
	case ErrCodeBadIDPacket:
		return "BAD_ID_PACKET"
	case ErrCodePacketOverflow:
		return "PACKET_OVERFLOW"
	case ErrCodeSetParamDuringEnable:
		return "SET_PARAM_DURING_ENABLE"
	case ErrCodeMsgBufferOverflow:
		return "MSG_BUFFER_OVERFLOW"
	case ErrCodeNoResponse:
		return "NO_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_%d", uint8(code))
	}
}

// FormatAddress formats an address byte as "id=N ch=X", naming broadcast
func FormatAddress(addr byte) string {
	id := IDOf(addr)
	switch id {
	case BroadcastID:
		return fmt.Sprintf("id=BCAST ch=%s", ChannelOf(addr))
	case InvalidID:
		return fmt.Sprintf("id=INVALID ch=%s", ChannelOf(addr))
	}
	return fmt.Sprintf("id=%d ch=%s", id, ChannelOf(addr))
}

// FormatPacket formats a packet into a human-readable string
func FormatPacket(p *Packet) string {
	timestamp := p.timestamp.Format("15:04:05.000")
	op := p.Opcode()

	flag := ""
	if p.ResponseRequested() {
		flag = " [req]"
	}

	result := fmt.Sprintf("[%s] %s (0x%02X)%s %s len=%d\n",
		timestamp, FormatOpcode(op), uint8(op), flag, FormatAddress(p.address), len(p.payload))

	if len(p.payload) > 0 {
		result += FormatPayload(p)
	}
	return result
}

// FormatPayload formats a packet's payload according to its opcode. Packets that
// do not parse as replies are shown as bytes.
func FormatPayload(p *Packet) string {
	var sb strings.Builder

	if p.Opcode() == OpError {
		reply, _ := ParseReply(p)
		fmt.Fprintf(&sb, "  Error: %s\n", FormatErrorCode(reply.Err.Code))
		if len(reply.Err.Detail) > 0 {
			fmt.Fprintf(&sb, "  Detail: % X\n", reply.Err.Detail)
		}
		return sb.String()
	}

	if p.Opcode().IsDualTarget() && !p.ResponseRequested() && len(p.payload) >= 8 {
		fields := p.Fields()
		a, _ := fields.Int32()
		b, _ := fields.Int32()
		fmt.Fprintf(&sb, "  Target A: %s\n", formatTarget(a))
		fmt.Fprintf(&sb, "  Target B: %s\n", formatTarget(b))
		if fields.Remaining() > 0 {
			fmt.Fprintf(&sb, "  Padding: %d bytes\n", fields.Remaining())
		}
		return sb.String()
	}

	reply, err := ParseReply(p)
	if err != nil || len(reply.Values) == 0 {
		fmt.Fprintf(&sb, "  Bytes: % X\n", p.payload)
		return sb.String()
	}

	if len(reply.Values) == 2 {
		fmt.Fprintf(&sb, "  Channel A: %s\n", formatTarget(reply.Values[0]))
		fmt.Fprintf(&sb, "  Channel B: %s\n", formatTarget(reply.Values[1]))
		return sb.String()
	}
	fmt.Fprintf(&sb, "  Value: %s\n", formatTarget(reply.Values[0]))
	return sb.String()
}

func formatTarget(v int32) string {
	if v == NoTarget {
		return "-"
	}
	return fmt.Sprintf("%d", v)
}
