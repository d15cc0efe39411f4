// Package driver is the capability the elevated client uses to bind drivers to USB devices.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/winusbinstall/protocol"
)

var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDriverBindFailed = errors.New("driver bind failed")
	ErrPermissionDenied = errors.New("permission denied")
	// ErrEnumerationUnsupported is returned by enumerators that cannot list devices on this platform.
	ErrEnumerationUnsupported = errors.New("device enumeration unsupported")
)

// Device is a USB device, or one interface of a composite device, as seen by the installer.
type Device struct {
	VendorID  uint16
	ProductID uint16
	// Interface is set for one interface of a composite device, e.g. "MI_01".
	Interface   string
	Description string
	// Driver is the currently bound driver, empty if none or unknown.
	Driver string
	Path   string
}

func (d Device) String() string {
	s := fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
	if d.Interface != "" {
		s += "/" + d.Interface
	}
	if d.Description != "" {
		s += " " + d.Description
	}
	return s
}

// Matches reports whether d is the device or interface t asks for.
func (d Device) Matches(t protocol.Target) bool {
	return d.VendorID == t.VendorID && d.ProductID == t.ProductID && strings.EqualFold(d.Interface, t.Interface)
}

// HasDriver reports whether the driver of the given kind is already bound to d.
func (d Device) HasDriver(kind protocol.DriverKind) bool {
	name, ok := serviceNames[kind]
	return ok && strings.EqualFold(d.Driver, name)
}

var serviceNames = map[protocol.DriverKind]string{
	protocol.DriverWinUSB:  "WinUSB",
	protocol.DriverLibUSB0: "libusb0",
	protocol.DriverLibUSBK: "libusbK",
	protocol.DriverCDC:     "usbser",
}

type InstallOptions struct {
	Kind protocol.DriverKind
	// PackageName is the name of the generated .inf file.
	PackageName string
	Vendor      string
	DestDir     string
	// Progress, if set, is called with a percentage as the install advances.
	Progress func(percent int)
}

func (o InstallOptions) progress(percent int) {
	if o.Progress != nil {
		o.Progress(percent)
	}
}

// OptionsFor builds the install options carried by a target.
func OptionsFor(t protocol.Target) InstallOptions {
	return InstallOptions{
		Kind:        t.DriverKind,
		PackageName: t.PackageName,
		Vendor:      t.Vendor,
		DestDir:     t.DestDir,
	}
}

type Enumerator interface {
	EnumerateDevices(ctx context.Context) ([]Device, error)
}

// Installer binds drivers to devices.
// Install must honor ctx cancellation where the underlying mechanism allows it. The client runs one install
// at a time, so an install that ignores cancellation holds back every request queued behind it, and those can
// time out on the server before they start.
type Installer interface {
	Enumerator
	Install(ctx context.Context, dev Device, opts InstallOptions) (protocol.InstalledDriver, error)
}

// Find returns the device t refers to.
// If the installer cannot enumerate, the device is described from t alone and the install itself
// is left to detect a missing device.
func Find(ctx context.Context, e Enumerator, t protocol.Target) (Device, error) {
	devs, err := e.EnumerateDevices(ctx)
	if errors.Is(err, ErrEnumerationUnsupported) {
		return Device{VendorID: t.VendorID, ProductID: t.ProductID, Interface: t.Interface}, nil
	}
	if err != nil {
		return Device{}, fmt.Errorf("enumerating devices: %w", err)
	}
	for _, d := range devs {
		if d.Matches(t) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, t)
}

// Reason classifies an install error into a result reason.
func Reason(err error) protocol.Reason {
	switch {
	case errors.Is(err, context.Canceled):
		return protocol.ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ReasonTimeout
	case errors.Is(err, ErrDeviceNotFound):
		return protocol.ReasonDeviceNotFound
	case errors.Is(err, ErrDriverBindFailed):
		return protocol.ReasonDriverBindFailed
	case errors.Is(err, ErrPermissionDenied):
		return protocol.ReasonPermissionDenied
	}
	return protocol.ReasonAdapter
}
