//go:build !linux

package sandbox

import (
	"context"
	"runtime"
)

func (b *NativeBackend) probe(context.Context) Capabilities {
	return Capabilities{
		Backend: BackendNative,
		Detail:  map[string]string{"os": runtime.GOOS + " is not supported"},
	}
}

func (b *NativeBackend) run(context.Context, *Job, Capabilities) (*Telemetry, error) {
	return nil, &IsolationError{Backend: BackendNative, Reason: "native isolation requires linux"}
}
