//go:build !mediadevices

package media

import "log/slog"

// NewCaptureDevices returns the capture driver for this build. Without the
// mediadevices build tag only test-pattern sources are available.
func NewCaptureDevices(logger *slog.Logger) (Devices, error) {
	logger.Warn("built without mediadevices; using synthetic test-pattern capture")
	return NewSyntheticDevices(logger), nil
}
