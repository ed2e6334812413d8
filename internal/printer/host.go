package printer

// NoHost is a StateProvider for running the agent without a host
// integration attached: no estimates, no layer info, timers stay off.
// Events fed to the tracker still notify, just without ETA context.
type NoHost struct{}

func (NoHost) PrintTimeRemainingSec() int64     { return -1 }
func (NoHost) CurrentLayerInfo() (int64, int64) { return -1, -1 }
func (NoHost) TimersShouldRun() bool            { return false }
