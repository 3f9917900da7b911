package olarm

import (
	"encoding/json"
	"errors"
	"fmt"

	"olarm-bridge/internal/state"
)

// ErrDeviceNotFound is returned when the configured device identifier does
// not match any device on the account.
var ErrDeviceNotFound = errors.New("device not found")

// ErrNoAPIKey is returned when an operation requires the API key and none
// is configured.
var ErrNoAPIKey = errors.New("api key not configured")

// AuthError is a non-success HTTP status from the identity or directory
// endpoints.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

// isAuthStatus reports whether err is an authorization failure that a
// token refresh could recover from.
func isAuthStatus(err error) bool {
	var ae *AuthError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == 401 || ae.Status == 403
}

// Device is one panel registered on the account. The IMEI is the stable
// hardware identifier used for all transport addressing.
type Device struct {
	ID       string `json:"id"`
	IMEI     string `json:"imei"`
	Name     string `json:"name,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// Panel action commands accepted by the actions endpoint.
const (
	ActionAreaArm      = "area-arm"
	ActionAreaStay     = "area-stay"
	ActionAreaSleep    = "area-sleep"
	ActionAreaDisarm   = "area-disarm"
	ActionZoneBypass   = "zone-bypass"
	ActionZoneUnbypass = "zone-unbypass"
)

// IsBypassAction reports whether cmd belongs to the zone-bypass class,
// which the streaming protocol does not support.
func IsBypassAction(cmd string) bool {
	return cmd == ActionZoneBypass || cmd == ActionZoneUnbypass
}

// DeviceState is the wire shape of a full panel state, shared by the
// streaming payload and the request/response fetch.
type DeviceState struct {
	Areas []string      `json:"areas"`
	Zones []string      `json:"zones"`
	Pgm   []string      `json:"pgm"`
	Ukeys []json.Number `json:"ukeys"`
}

// Snapshot converts the wire state into the reconciled snapshot shape.
func (d *DeviceState) Snapshot() *state.Snapshot {
	snap := &state.Snapshot{
		Areas: append([]string(nil), d.Areas...),
		Zones: append([]string(nil), d.Zones...),
	}
	if d.Pgm != nil {
		snap.PGM = append([]string(nil), d.Pgm...)
	}
	for _, u := range d.Ukeys {
		snap.Ukeys = append(snap.Ukeys, u.String())
	}
	return snap
}

// Wire structs for the vendor endpoints.

type loginResponse struct {
	Oat       string `json:"oat"`
	Ort       string `json:"ort"`
	OatExpire int64  `json:"oatExpire"`
}

type linkResponse struct {
	UserIndex int    `json:"userIndex"`
	UserID    string `json:"userId"`
}

type userResponse struct {
	Devices []struct {
		ID       string `json:"id"`
		IMEI     string `json:"IMEI"`
		Name     string `json:"deviceName"`
		Firmware string `json:"firmware"`
	} `json:"devices"`
}

type deviceResponse struct {
	DeviceName  string      `json:"deviceName"`
	DeviceState DeviceState `json:"deviceState"`
}
