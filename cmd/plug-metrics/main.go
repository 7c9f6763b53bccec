// Command plug-metrics discovers Kasa smart plugs on the local network and
// republishes their voltage, current and power readings as gauges.
package main

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	Execute(version)
}
