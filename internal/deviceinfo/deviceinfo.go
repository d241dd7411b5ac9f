// Package deviceinfo defines the immutable device record the kernel hands
// every plugin at start, and the advertised-plugin summary sent during
// bridge registration.
package deviceinfo

// DeviceInfo identifies the host app instance the agent is embedded in. It
// is constructed once at agent start and never mutated afterwards; every
// PluginContext references the same value.
type DeviceInfo struct {
	DeviceID     string `json:"deviceId"`
	DeviceModel  string `json:"deviceModel"`
	OSName       string `json:"osName"`
	OSVersion    string `json:"osVersion"`
	AppBundleID  string `json:"appBundleId"`
	AppVersion   string `json:"appVersion"`
	AppBuild     string `json:"appBuild"`
	IsSimulator  bool   `json:"isSimulator"`
}

// PluginSummary is the {id, displayName, version} triple advertised to the
// Hub during registration and returned from Kernel.GetPluginInfos.
type PluginSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
}
