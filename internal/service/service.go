// Package service exposes the monitor API on top of biz.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewMonitorService)
