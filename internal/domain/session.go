// Package domain contains plain data types shared across the module, no logic.
package domain

import "errors"

const MaxDeviceIDLen = 64

var (
	ErrDeviceIDEmpty   = errors.New("device id empty")
	ErrDeviceIDTooLong = errors.New("device id too long")
	ErrUnknownRole     = errors.New("unknown role")
	ErrNotPaired       = errors.New("device is not paired")
)

type DeviceID string

// Role is the side of the media session a device plays. The producer
// originates media; the controller consumes it and sends commands.
type Role string

const (
	RoleProducer   Role = "producer"
	RoleController Role = "controller"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleProducer, RoleController:
		return Role(s), nil
	}
	return "", ErrUnknownRole
}

// Session identifies one pairing between two devices. Owned by the
// lifecycle manager: created on pairing, destroyed on unpairing.
type Session struct {
	SessionID     string
	LocalDeviceID DeviceID
	PeerDeviceID  DeviceID
	Role          Role
}

// Pairing is the locally persisted pairing record.
type Pairing struct {
	SessionID     string
	LocalDeviceID DeviceID
	PeerDeviceID  DeviceID
}

func NewDeviceID(s string) (DeviceID, error) {
	if len(s) == 0 {
		return "", ErrDeviceIDEmpty
	}
	if len(s) > MaxDeviceIDLen {
		return "", ErrDeviceIDTooLong
	}
	return DeviceID(s), nil
}
