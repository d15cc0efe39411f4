// Package drivertest provides a scriptable driver.Installer for tests.
package drivertest

import (
	"context"
	"sync"

	"github.com/guseggert/winusbinstall/driver"
	"github.com/guseggert/winusbinstall/protocol"
)

// Installer records installs and delegates their outcome to InstallFunc.
// With no Devices it reports enumeration as unsupported, so every target is attempted.
type Installer struct {
	Devices     []driver.Device
	InstallFunc func(ctx context.Context, dev driver.Device, opts driver.InstallOptions) (protocol.InstalledDriver, error)

	mut      sync.Mutex
	installs []driver.Device
}

func (i *Installer) EnumerateDevices(ctx context.Context) ([]driver.Device, error) {
	if i.Devices == nil {
		return nil, driver.ErrEnumerationUnsupported
	}
	return i.Devices, nil
}

func (i *Installer) Install(ctx context.Context, dev driver.Device, opts driver.InstallOptions) (protocol.InstalledDriver, error) {
	i.mut.Lock()
	i.installs = append(i.installs, dev)
	i.mut.Unlock()

	if i.InstallFunc == nil {
		return Installed(opts), nil
	}
	return i.InstallFunc(ctx, dev, opts)
}

// Installs returns the devices Install was called with, in order.
func (i *Installer) Installs() []driver.Device {
	i.mut.Lock()
	defer i.mut.Unlock()
	return append([]driver.Device(nil), i.installs...)
}

// Installed is the driver reported by a successful fake install.
func Installed(opts driver.InstallOptions) protocol.InstalledDriver {
	return protocol.InstalledDriver{Name: string(opts.Kind), InfPath: opts.PackageName}
}

// Block waits until ctx is done and returns its error, like an adapter that only stops when cancelled.
func Block(ctx context.Context, _ driver.Device, _ driver.InstallOptions) (protocol.InstalledDriver, error) {
	<-ctx.Done()
	return protocol.InstalledDriver{}, ctx.Err()
}
