package models

// QueueStatus is the single aggregate state gating queue execution.
// Exactly one value is active at a time.
type QueueStatus string

const (
	StatusRunning         QueueStatus = "running"
	StatusEmpty           QueueStatus = "empty"
	StatusNotRegistered   QueueStatus = "not_registered"
	StatusNoWifi          QueueStatus = "no_wifi"
	StatusNoConnectivity  QueueStatus = "no_connectivity"
	StatusLowBattery      QueueStatus = "low_battery"
	StatusLowDiskSpace    QueueStatus = "low_disk_space"
	StatusAppBackgrounded QueueStatus = "app_backgrounded"
)

// Blocking reports whether the status forbids dispatching new tasks.
// Empty is not blocking in the dispatch sense; it simply means there is
// nothing to run.
func (s QueueStatus) Blocking() bool {
	switch s {
	case StatusRunning, StatusEmpty:
		return false
	default:
		return true
	}
}

// ConnectivityClass describes the current network link.
type ConnectivityClass string

const (
	ConnectivityNone     ConnectivityClass = "none"
	ConnectivityCellular ConnectivityClass = "cellular"
	ConnectivityWifi     ConnectivityClass = "wifi"
)
