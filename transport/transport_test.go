package transport

import (
	telemetry "github.com/eniris/telemetry-go"
)

func mustNamespace(name string) telemetry.Namespace {
	ns, err := telemetry.NewV3Namespace(name)
	if err != nil {
		panic(err)
	}
	return ns
}
