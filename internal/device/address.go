// Package device holds the address rules shared by the ingestion listener and
// the control plane.
package device

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	ErrInvalidDeviceAddress  = errors.New("invalid device address")
	ErrInvalidNetworkAddress = errors.New("invalid network address")
)

// IdentifyPrefix marks a first chunk that carries the device address in clear.
const IdentifyPrefix = "ESP32_"

var (
	deviceAddressPattern  = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)
	embeddedAddressSearch = regexp.MustCompile(`([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})`)
	// Octet values above 255 are accepted on purpose; devices behind some
	// carrier gateways report addresses that only match the grouping.
	networkAddressPattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// IsValidDeviceAddress reports whether s is six colon- or hyphen-separated hex pairs.
func IsValidDeviceAddress(s string) bool {
	return deviceAddressPattern.MatchString(s)
}

// IsValidNetworkAddress reports whether s is four dot-separated decimal groups.
func IsValidNetworkAddress(s string) bool {
	return networkAddressPattern.MatchString(s)
}

// ValidatePair checks both addresses of a control-plane request.
func ValidatePair(deviceAddr, networkAddr string) error {
	if !IsValidDeviceAddress(deviceAddr) {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceAddress, deviceAddr)
	}
	if !IsValidNetworkAddress(networkAddr) {
		return fmt.Errorf("%w: %q", ErrInvalidNetworkAddress, networkAddr)
	}
	return nil
}

// ExtractDeviceAddress finds a device address in a first chunk, either behind
// IdentifyPrefix or anywhere in the payload.
func ExtractDeviceAddress(chunk []byte) (string, bool) {
	if strings.HasPrefix(string(chunk), IdentifyPrefix) {
		candidate := strings.TrimSpace(strings.Replace(string(chunk), IdentifyPrefix, "", 1))
		if IsValidDeviceAddress(candidate) {
			return candidate, true
		}
	}
	text := strings.ToValidUTF8(string(chunk), "")
	if m := embeddedAddressSearch.FindString(text); m != "" {
		return m, true
	}
	return "", false
}

// FallbackDeviceAddress derives a stable device address from an IPv4 peer
// address: 00:00 followed by the four octets in hex. It only makes anonymous
// connections attributable and carries no identity guarantee.
func FallbackDeviceAddress(ip string) string {
	var octets [4]byte
	if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			copy(octets[:], v4)
		}
	}
	return fmt.Sprintf("00:00:%02X:%02X:%02X:%02X", octets[0], octets[1], octets[2], octets[3])
}

// Canonical normalizes a device address for use as a map key.
func Canonical(addr string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(addr), "-", ":"))
}
