package device

import "trustgate/internal/models"

const (
	MsgNewDevice     = "New device has been registered and is waiting for admin approval."
	MsgNotRecognized = "This device is not recognized for your account."
)

// LoginMessage explains to a user logging in why their device was refused.
func LoginMessage(d models.Device) string {
	switch d.Status {
	case models.DeviceStatusPending:
		return "Your device is still pending admin approval."
	case models.DeviceStatusRejected:
		msg := "Your device registration has been rejected."
		if n := d.Notes(); n != "" {
			msg += " Reason: " + n
		}
		return msg
	case models.DeviceStatusRevoked:
		msg := "Access for this device has been revoked."
		if n := d.Notes(); n != "" {
			msg += " Notes: " + n
		}
		return msg
	default:
		return "Device access denied."
	}
}

// GateMessage is the shorter message used when an authenticated request
// arrives from a device that is not approved.
func GateMessage(d models.Device) string {
	switch d.Status {
	case models.DeviceStatusPending:
		return "This device is pending admin approval."
	case models.DeviceStatusRejected:
		return "Approval for this device has been rejected."
	case models.DeviceStatusRevoked:
		return "Access for this device has been revoked."
	default:
		return "Access from this device is not approved."
	}
}
