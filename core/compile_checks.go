package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ ProjectorRegistry = (*NotificationProjectorRegistry)(nil)
	_ BackoffScheduler  = ExponentialBackoffScheduler{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
