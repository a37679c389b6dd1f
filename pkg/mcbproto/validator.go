// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package mcbproto

import "fmt"

// AnomalyType represents different types of packet anomalies
type AnomalyType int

const (
	AnomalyUnknownOpcode AnomalyType = iota
	AnomalyLengthMismatch
	AnomalyInvalidID
	AnomalyErrorReply
	AnomalyUninitialized
	AnomalyInvalidPWM
	AnomalyInvalidValue
	AnomalyChecksumError
	AnomalyDecodeError
)

// ValidationError represents a packet validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidatePacket validates packet structure and detects anomalies
// Returns a slice of validation errors (empty if packet is valid)
//
// Master frames may carry leading zero padding, so payloads longer than the
// opcode's data size are accepted.
func ValidatePacket(p *Packet) []ValidationError {
	errors := []ValidationError{}

	if id := p.BoardID(); id == InvalidID {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidID,
			Message: fmt.Sprintf("Frame addressed to invalid id %d", id),
			Details: map[string]interface{}{"id": id},
		})
	}

	op := p.Opcode()
	size, ok := op.DataSize()
	if !ok {
		return append(errors, ValidationError{
			Type:    AnomalyUnknownOpcode,
			Message: fmt.Sprintf("Unknown opcode %d", uint8(op)),
			Details: map[string]interface{}{"opcode": uint8(op)},
		})
	}

	// Read requests carry no value
	if p.ResponseRequested() {
		return errors
	}

	switch op {
	case OpError:
		errors = append(errors, validateError(p)...)
		return errors
	case OpID:
		// Id writes carry the guard header, replies a single byte
		return errors
	}

	if len(p.payload) < int(size) {
		return append(errors, ValidationError{
			Type: AnomalyLengthMismatch,
			Message: fmt.Sprintf("%s payload too short (expected %d bytes, got %d)",
				FormatOpcode(op), size, len(p.payload)),
			Details: map[string]interface{}{"length": len(p.payload), "expected": int(size)},
		})
	}

	if op.IsDualTarget() {
		return errors
	}

	reply, err := ParseReply(p)
	if err != nil {
		return append(errors, ValidationError{
			Type:    AnomalyDecodeError,
			Message: err.Error(),
		})
	}
	errors = append(errors, validateValues(reply)...)
	return errors
}

func validateError(p *Packet) []ValidationError {
	reply, _ := ParseReply(p)
	code := reply.Err.Code
	errors := []ValidationError{{
		Type:    AnomalyErrorReply,
		Message: reply.Err.Error(),
		Details: map[string]interface{}{"code": uint8(code), "id": reply.BoardID, "channel": reply.Channel.String()},
	}}

	if !code.Known() {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid error code=%d", uint8(code)),
			Details: map[string]interface{}{"code": uint8(code)},
		})
	}
	return errors
}

func validateValues(r *Reply) []ValidationError {
	errors := []ValidationError{}

	for i, v := range r.Values {
		if v != NoTarget {
			continue
		}
		errors = append(errors, ValidationError{
			Type:    AnomalyUninitialized,
			Message: fmt.Sprintf("%s reports an uninitialized value", FormatOpcode(r.Opcode)),
			Details: map[string]interface{}{"index": i},
		})
	}

	v := r.Value()
	switch r.Opcode {
	case OpPidOutput:
		if v > FullPWM || v < -FullPWM {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidPWM,
				Message: fmt.Sprintf("PID output %d outside ±%d", v, FullPWM),
				Details: map[string]interface{}{"pwm": v, "max": FullPWM},
			})
		}
	case OpMaxPwmDutyCycle:
		if v < 0 || v > FullPWM {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidPWM,
				Message: fmt.Sprintf("Max PWM %d outside 0-%d", v, FullPWM),
				Details: map[string]interface{}{"pwm": v, "max": FullPWM},
			})
		}
	case OpControlMode:
		if v > ControlModeMixed {
			errors = append(errors, invalidValue(r.Opcode, v, ControlModeMixed))
		}
	case OpFeedbackMode:
		if v > FeedbackPot {
			errors = append(errors, invalidValue(r.Opcode, v, FeedbackPot))
		}
	case OpExtraMode:
		if v > ExtraModeServo {
			errors = append(errors, invalidValue(r.Opcode, v, ExtraModeServo))
		}
	case OpSaturation:
		if v > SaturationTop {
			errors = append(errors, invalidValue(r.Opcode, v, SaturationTop))
		}
	case OpVelTimeDelta:
		if v < 2 || v > 5 {
			errors = append(errors, ValidationError{
				Type:    AnomalyInvalidValue,
				Message: fmt.Sprintf("VEL_TIME_DELTA=%d (valid 2-5)", v),
				Details: map[string]interface{}{"value": v},
			})
		}
	}
	return errors
}

func invalidValue(op Opcode, v int32, max int) ValidationError {
	return ValidationError{
		Type:    AnomalyInvalidValue,
		Message: fmt.Sprintf("Invalid %s value=%d (max %d)", FormatOpcode(op), v, max),
		Details: map[string]interface{}{"value": v, "max": max},
	}
}
